package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer/segment"
)

const (
	// CurrentFile names the commit file of the visible generation. It is
	// replaced by rename, which is what makes a new generation visible.
	CurrentFile = "CURRENT"
	// IdentityFile holds the index's unique identity on a master.
	IdentityFile = "INDEX"

	commitPrefix  = "commit_"
	commitSuffix  = ".json"
	segmentPrefix = "seg_"
)

// CommitPoint is one durable generation of the index. NextSegment is the
// number the next flushed segment will take; segment names are never reused,
// even after every segment has been deleted.
type CommitPoint struct {
	Generation  int64             `json:"generation"`
	Segments    []string          `json:"segments"`
	NextSegment int64             `json:"nextSegment"`
	UserData    map[string]string `json:"userData,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func CommitFileName(generation int64) string {
	return fmt.Sprintf("%s%010d%s", commitPrefix, generation, commitSuffix)
}

func (c *CommitPoint) FileName() string {
	return CommitFileName(c.Generation)
}

// Files lists every file the generation needs, segments first and the commit
// file last.
func (c *CommitPoint) Files() []string {
	files := make([]string, 0, len(c.Segments)+1)
	files = append(files, c.Segments...)
	return append(files, c.FileName())
}

func (c *CommitPoint) clone() *CommitPoint {
	cp := *c
	cp.Segments = append([]string(nil), c.Segments...)
	if c.UserData != nil {
		cp.UserData = make(map[string]string, len(c.UserData))
		for k, v := range c.UserData {
			cp.UserData[k] = v
		}
	}
	return &cp
}

func isCommitFile(name string) bool {
	return strings.HasPrefix(name, commitPrefix) && strings.HasSuffix(name, commitSuffix)
}

func isSegmentFile(name string) bool {
	return strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segment.Extension)
}

func segmentFileName(n int64) string {
	return fmt.Sprintf("%s%08d%s", segmentPrefix, n, segment.Extension)
}

func segmentNumber(name string) (int64, bool) {
	if !isSegmentFile(name) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segment.Extension), 10, 64)
	return n, err == nil
}

// writeFileAtomic writes name via a synced temp file and a rename, then syncs
// the directory so the rename itself is durable.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp := filepath.Join(dir, name+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", name, err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	return nil
}

func writeCommit(dir string, c *CommitPoint) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling commit %d: %w", c.Generation, err)
	}
	return writeFileAtomic(dir, c.FileName(), data)
}

// ReadCommit loads a commit file from dir.
func ReadCommit(dir, name string) (*CommitPoint, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", name, err)
	}
	var c CommitPoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing commit %s: %w", name, err)
	}
	if c.FileName() != name {
		return nil, fmt.Errorf("commit %s declares generation %d", name, c.Generation)
	}
	return &c, nil
}

// ReadCurrent returns the visible commit, or nil when dir holds no
// generation yet.
func ReadCurrent(dir string) (*CommitPoint, error) {
	data, err := os.ReadFile(filepath.Join(dir, CurrentFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", CurrentFile, err)
	}
	return ReadCommit(dir, strings.TrimSpace(string(data)))
}

func writeCurrent(dir, commitName string) error {
	return writeFileAtomic(dir, CurrentFile, []byte(commitName+"\n"))
}

func loadIdentity(dir string, create bool) (string, error) {
	path := filepath.Join(dir, IdentityFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading index identity: %w", err)
	}
	if !create {
		return "", nil
	}
	id := uuid.NewString()
	if err := writeFileAtomic(dir, IdentityFile, []byte(id+"\n")); err != nil {
		return "", err
	}
	return id, nil
}
