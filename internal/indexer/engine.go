// Package indexer is the on-disk index the replication core ships around.
// Documents are buffered in memory and written as immutable segments on
// commit; each commit publishes a new generation through the CURRENT file.
package indexer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
)

var (
	ErrReadOnly = fmt.Errorf("%w: index is read-only", apperrors.ErrNotMaster)
	ErrNoCommit = errors.New("index has no commit")
)

type Options struct {
	Dir string
	// ReadOnly engines never write segments; their generations arrive
	// through Install.
	ReadOnly bool
}

type Engine struct {
	dir      string
	readOnly bool
	identity string
	mem      *index.MemoryIndex
	writer   *segment.Writer
	logger   *slog.Logger

	mu      sync.RWMutex
	current *CommitPoint
	readers map[string]*segment.Reader
	pinned  map[int64]*pinnedCommit
	nextSeg int64
}

// Stats describes the visible generation.
type Stats struct {
	Identity   string `json:"identity,omitempty"`
	Generation int64  `json:"generation"`
	Segments   int    `json:"segments"`
	Documents  int64  `json:"documents"`
	Terms      int    `json:"terms"`
	SizeBytes  int64  `json:"sizeBytes"`
	Pending    int    `json:"pending"`
	Pinned     int    `json:"pinned"`
}

// Open loads the generation named by CURRENT. A writable engine with no
// generation yet commits an empty one so it always has something to serve.
func Open(opts Options) (*Engine, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	e := &Engine{
		dir:      opts.Dir,
		readOnly: opts.ReadOnly,
		mem:      index.NewMemoryIndex(),
		writer:   segment.NewWriter(opts.Dir),
		logger:   slog.Default().With("component", "indexer", "dir", opts.Dir),
		readers:  make(map[string]*segment.Reader),
		pinned:   make(map[int64]*pinnedCommit),
	}

	identity, err := loadIdentity(opts.Dir, !opts.ReadOnly)
	if err != nil {
		return nil, err
	}
	e.identity = identity

	if err := e.recover(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil && !e.readOnly {
		if _, err := e.publishLocked(nil, nil); err != nil {
			e.closeReadersLocked()
			return nil, fmt.Errorf("creating initial commit: %w", err)
		}
	}
	e.gcLocked()
	return e, nil
}

func (e *Engine) recover() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("reading index directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".tmp") {
			os.Remove(filepath.Join(e.dir, name))
			continue
		}
		if n, ok := segmentNumber(name); ok && n >= e.nextSeg {
			e.nextSeg = n + 1
		}
	}

	current, err := ReadCurrent(e.dir)
	if err != nil {
		return err
	}
	if current == nil {
		e.logger.Info("no committed generation found")
		return nil
	}
	if current.NextSegment > e.nextSeg {
		e.nextSeg = current.NextSegment
	}
	if err := e.syncReaders(current.Segments, nil); err != nil {
		return err
	}
	e.current = current
	e.logger.Info("index recovered",
		"generation", current.Generation,
		"segments", len(current.Segments),
	)
	return nil
}

func (e *Engine) Dir() string      { return e.dir }
func (e *Engine) Identity() string { return e.identity }
func (e *Engine) ReadOnly() bool   { return e.readOnly }

// Current returns a copy of the visible commit, or nil.
func (e *Engine) Current() *CommitPoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return nil
	}
	return e.current.clone()
}

// AddDocument buffers a document for the next commit.
func (e *Engine) AddDocument(docID, text string) error {
	if e.readOnly {
		return ErrReadOnly
	}
	if docID == "" {
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "document id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.mem.AddDocument(docID, text)
	return nil
}

// Commit writes buffered documents to a new segment and publishes a new
// generation carrying userData. A nil userData keeps the previous one.
func (e *Engine) Commit(userData map[string]string) (*CommitPoint, error) {
	if e.readOnly {
		return nil, ErrReadOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	segs := append([]string(nil), e.current.Segments...)
	if e.mem.DocCount() > 0 {
		name, err := e.flushLocked(e.mem.Snapshot())
		if err != nil {
			return nil, err
		}
		segs = append(segs, name)
	}
	c, err := e.publishLocked(segs, userData)
	if err != nil {
		return nil, err
	}
	e.mem.Reset()
	return c.clone(), nil
}

// DeleteAll drops every document and publishes an empty generation.
func (e *Engine) DeleteAll(userData map[string]string) (*CommitPoint, error) {
	if e.readOnly {
		return nil, ErrReadOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mem.Reset()
	c, err := e.publishLocked(nil, userData)
	if err != nil {
		return nil, err
	}
	return c.clone(), nil
}

// Merge compacts every segment, plus anything buffered, into one segment.
// For a term present in several segments the newest posting for a document
// wins.
func (e *Engine) Merge(userData map[string]string) (*CommitPoint, error) {
	if e.readOnly {
		return nil, ErrReadOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.current.Segments) <= 1 && e.mem.DocCount() == 0 {
		return e.current.clone(), nil
	}

	merged := make(map[string]map[string]int)
	add := func(entries []index.TermEntry) {
		for _, entry := range entries {
			docs, ok := merged[entry.Term]
			if !ok {
				docs = make(map[string]int)
				merged[entry.Term] = docs
			}
			for _, p := range entry.Postings {
				docs[p.DocID] = p.Frequency
			}
		}
	}
	for _, name := range e.current.Segments {
		entries, err := e.readers[name].Entries()
		if err != nil {
			return nil, fmt.Errorf("reading segment %s for merge: %w", name, err)
		}
		add(entries)
	}
	add(e.mem.Snapshot())

	var segs []string
	if len(merged) > 0 {
		name, err := e.flushLocked(sortedEntries(merged))
		if err != nil {
			return nil, err
		}
		segs = []string{name}
	}
	c, err := e.publishLocked(segs, userData)
	if err != nil {
		return nil, err
	}
	e.mem.Reset()
	e.logger.Info("segments merged",
		"generation", c.Generation,
		"terms", len(merged),
	)
	return c.clone(), nil
}

func sortedEntries(terms map[string]map[string]int) []index.TermEntry {
	entries := make([]index.TermEntry, 0, len(terms))
	for term, docs := range terms {
		postings := make(index.PostingList, 0, len(docs))
		for docID, freq := range docs {
			postings = append(postings, index.Posting{DocID: docID, Frequency: freq})
		}
		sort.Slice(postings, func(i, j int) bool { return postings[i].DocID < postings[j].DocID })
		entries = append(entries, index.TermEntry{Term: term, Postings: postings})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Term < entries[j].Term })
	return entries
}

func (e *Engine) flushLocked(entries []index.TermEntry) (string, error) {
	name := segmentFileName(e.nextSeg)
	e.nextSeg++
	size, err := e.writer.Write(name, entries)
	if err != nil {
		return "", fmt.Errorf("writing segment: %w", err)
	}
	e.logger.Info("segment flushed",
		"segment", name,
		"terms", len(entries),
		"size", size,
	)
	return name, nil
}

// publishLocked opens readers for segs, writes the commit file and then
// swaps CURRENT. Nothing becomes visible until the final rename.
func (e *Engine) publishLocked(segs []string, userData map[string]string) (*CommitPoint, error) {
	c := &CommitPoint{
		Generation:  1,
		Segments:    segs,
		NextSegment: e.nextSeg,
		UserData:    userData,
		CreatedAt:   time.Now().UTC(),
	}
	if c.Segments == nil {
		c.Segments = []string{}
	}
	if e.current != nil {
		c.Generation = e.current.Generation + 1
		if userData == nil {
			c.UserData = e.current.clone().UserData
		}
	}

	opened, err := e.openMissingLocked(segs, nil)
	if err != nil {
		return nil, err
	}
	if err := writeCommit(e.dir, c); err != nil {
		closeAll(opened)
		return nil, err
	}
	if err := writeCurrent(e.dir, c.FileName()); err != nil {
		closeAll(opened)
		return nil, err
	}
	e.adoptLocked(c, opened)
	e.gcLocked()
	e.logger.Info("generation committed",
		"generation", c.Generation,
		"segments", len(c.Segments),
	)
	return c, nil
}

// openMissingLocked opens readers for segments that have none, or whose file
// was replaced (listed in replaced).
func (e *Engine) openMissingLocked(segs []string, replaced map[string]bool) (map[string]*segment.Reader, error) {
	opened := make(map[string]*segment.Reader)
	for _, name := range segs {
		if _, ok := e.readers[name]; ok && !replaced[name] {
			continue
		}
		r, err := segment.OpenReader(filepath.Join(e.dir, name))
		if err != nil {
			closeAll(opened)
			return nil, fmt.Errorf("opening segment %s: %w", name, err)
		}
		opened[name] = r
	}
	return opened, nil
}

// adoptLocked makes c the visible generation and retires readers it no
// longer references.
func (e *Engine) adoptLocked(c *CommitPoint, opened map[string]*segment.Reader) {
	for name, r := range opened {
		if old, ok := e.readers[name]; ok {
			old.Close()
		}
		e.readers[name] = r
	}
	keep := make(map[string]bool, len(c.Segments))
	for _, name := range c.Segments {
		keep[name] = true
	}
	for name, r := range e.readers {
		if !keep[name] {
			r.Close()
			delete(e.readers, name)
		}
	}
	e.current = c
}

func (e *Engine) syncReaders(segs []string, replaced map[string]bool) error {
	opened, err := e.openMissingLocked(segs, replaced)
	if err != nil {
		return err
	}
	for name, r := range opened {
		e.readers[name] = r
	}
	return nil
}

func closeAll(readers map[string]*segment.Reader) {
	for _, r := range readers {
		r.Close()
	}
}

// Search returns the postings for the first term of query in the visible
// generation, one posting per document.
func (e *Engine) Search(query string) (index.PostingList, error) {
	terms := index.Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	term := terms[0]

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return nil, nil
	}
	var all index.PostingList
	for _, name := range e.current.Segments {
		postings, err := e.readers[name].Search(term)
		if err != nil {
			return nil, fmt.Errorf("searching segment %s: %w", name, err)
		}
		all = append(all, postings...)
	}
	return deduplicatePostings(all), nil
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{
		Identity: e.identity,
		Pending:  e.mem.DocCount(),
		Pinned:   len(e.pinned),
	}
	if e.current == nil {
		return s
	}
	s.Generation = e.current.Generation
	s.Segments = len(e.current.Segments)
	for _, name := range e.current.Segments {
		r := e.readers[name]
		s.Documents += int64(r.DocCount())
		s.Terms += r.Terms()
		s.SizeBytes += r.Size()
	}
	return s
}

// Close commits anything still buffered on a writable engine and closes all
// segment readers.
func (e *Engine) Close() error {
	var err error
	if !e.readOnly && e.mem.DocCount() > 0 {
		if _, cerr := e.Commit(nil); cerr != nil {
			err = fmt.Errorf("final commit: %w", cerr)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeReadersLocked()
	return err
}

func (e *Engine) closeReadersLocked() {
	for name, r := range e.readers {
		if cerr := r.Close(); cerr != nil {
			e.logger.Error("closing segment reader", "segment", name, "error", cerr)
		}
	}
	e.readers = make(map[string]*segment.Reader)
}

func deduplicatePostings(postings index.PostingList) index.PostingList {
	if len(postings) <= 1 {
		return postings
	}
	seen := make(map[string]int)
	result := make(index.PostingList, 0, len(postings))
	for _, p := range postings {
		if idx, exists := seen[p.DocID]; exists {
			result[idx] = p
			continue
		}
		seen[p.DocID] = len(result)
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DocID < result[j].DocID
	})
	return result
}
