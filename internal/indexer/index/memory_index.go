// Package index holds the in-memory buffer of documents that have been
// written but not yet committed into a segment.
package index

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

type MemoryIndex struct {
	mu    sync.RWMutex
	terms map[string]map[string]int
	docs  map[string]struct{}
	size  int64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		terms: make(map[string]map[string]int),
		docs:  make(map[string]struct{}),
	}
}

// Terms splits text into lowercase alphanumeric terms. Analysis beyond this
// belongs to the caller.
func Terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// AddDocument buffers docID. Re-adding a buffered document replaces it.
func (m *MemoryIndex) AddDocument(docID string, text string) {
	freqs := make(map[string]int)
	for _, term := range Terms(text) {
		freqs[term]++
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[docID]; exists {
		m.removeLocked(docID)
	}
	for term, freq := range freqs {
		docs, ok := m.terms[term]
		if !ok {
			docs = make(map[string]int)
			m.terms[term] = docs
		}
		docs[docID] = freq
		m.size += int64(len(term) + len(docID) + 16)
	}
	m.docs[docID] = struct{}{}
}

func (m *MemoryIndex) removeLocked(docID string) {
	for term, docs := range m.terms {
		if _, ok := docs[docID]; !ok {
			continue
		}
		delete(docs, docID)
		m.size -= int64(len(term) + len(docID) + 16)
		if len(docs) == 0 {
			delete(m.terms, term)
		}
	}
	delete(m.docs, docID)
}

// Snapshot returns the buffered terms sorted by term, each posting list
// sorted by document id.
func (m *MemoryIndex) Snapshot() []TermEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]TermEntry, 0, len(m.terms))
	for term, docs := range m.terms {
		postings := make(PostingList, 0, len(docs))
		for docID, freq := range docs {
			postings = append(postings, Posting{DocID: docID, Frequency: freq})
		}
		sort.Slice(postings, func(i, j int) bool {
			return postings[i].DocID < postings[j].DocID
		})
		entries = append(entries, TermEntry{Term: term, Postings: postings})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Term < entries[j].Term
	})
	return entries
}

func (m *MemoryIndex) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemoryIndex) DocCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms = make(map[string]map[string]int)
	m.docs = make(map[string]struct{})
	m.size = 0
}
