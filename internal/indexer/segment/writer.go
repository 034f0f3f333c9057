package segment

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer/index"
)

// Writer serialises term entries into new segment files under one directory.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Write creates the segment called name. Data goes to a .tmp sibling that is
// synced and renamed into place, so a segment is either complete or absent.
// It returns the final file size.
func (w *Writer) Write(name string, entries []index.TermEntry) (int64, error) {
	finalPath := filepath.Join(w.dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp segment file: %w", err)
	}
	defer os.Remove(tmpPath)
	defer f.Close()

	header := Header{
		Magic:      MagicBytes,
		Version:    FormatVersion,
		TermCount:  uint32(len(entries)),
		CreatedAt:  time.Now().Unix(),
		PostOffset: int64(HeaderSize),
	}

	bw := bufio.NewWriter(f)
	if _, err := bw.Write(make([]byte, HeaderSize)); err != nil {
		return 0, fmt.Errorf("reserving header: %w", err)
	}

	var written int64
	dict := make([]DictEntry, 0, len(entries))
	docIDs := make(map[string]struct{})
	for _, entry := range entries {
		data, err := json.Marshal(entry.Postings)
		if err != nil {
			return 0, fmt.Errorf("marshaling postings for term %q: %w", entry.Term, err)
		}
		if _, err := bw.Write(data); err != nil {
			return 0, fmt.Errorf("writing postings for term %q: %w", entry.Term, err)
		}
		dict = append(dict, DictEntry{
			Term:       entry.Term,
			PostOffset: written,
			PostLen:    len(data),
			DocFreq:    len(entry.Postings),
		})
		written += int64(len(data))
		for _, p := range entry.Postings {
			docIDs[p.DocID] = struct{}{}
		}
	}
	header.PostSize = written
	header.DocCount = uint32(len(docIDs))

	dictData, err := json.Marshal(dict)
	if err != nil {
		return 0, fmt.Errorf("marshaling dictionary: %w", err)
	}
	header.DictOffset = header.PostOffset + header.PostSize
	header.DictSize = int64(len(dictData))
	if _, err := bw.Write(dictData); err != nil {
		return 0, fmt.Errorf("writing dictionary: %w", err)
	}

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(dictData))
	binary.LittleEndian.PutUint32(footer[4:8], header.DocCount)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(header.DictOffset))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(header.DictSize))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(header.PostSize))
	if _, err := bw.Write(footer); err != nil {
		return 0, fmt.Errorf("writing footer: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("flushing segment: %w", err)
	}
	if _, err := f.WriteAt(header.encode(), 0); err != nil {
		return 0, fmt.Errorf("writing header: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("syncing segment file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("closing segment file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return 0, fmt.Errorf("renaming segment file: %w", err)
	}
	return header.DictOffset + header.DictSize + int64(FooterSize), nil
}
