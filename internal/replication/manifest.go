// Package replication ships index generations from a master to read-only
// replicas. A master pins a generation per session and streams its files;
// a replica diffs the session's manifest against its own files, fetches
// what changed into a staging area and publishes the result in one step.
package replication

import (
	"encoding/json"
	"sort"
)

// Strategy selects how a replica reconciles its files with a master's.
type Strategy string

const (
	// StrategyFull fetches every file and discards every local one.
	StrategyFull Strategy = "full"
	// StrategyIncremental fetches only missing or changed files.
	StrategyIncremental Strategy = "incremental"
)

// Item describes one file of a generation.
type Item struct {
	Name       string `json:"name"`
	Length     int64  `json:"length"`
	VersionTag string `json:"versionTag"`
}

// UpToDate reports whether two items describe the same content. Length alone
// is not enough.
func (i Item) UpToDate(other Item) bool {
	return i.Length == other.Length && i.VersionTag == other.VersionTag
}

// FileManifest maps file names to items for one generation. The zero value is
// an empty manifest. It is never modified after construction.
type FileManifest struct {
	items map[string]Item
	names []string
}

// NewManifest builds a manifest from items. A repeated name keeps its last
// item.
func NewManifest(items []Item) FileManifest {
	m := FileManifest{items: make(map[string]Item, len(items))}
	for _, it := range items {
		if _, dup := m.items[it.Name]; !dup {
			m.names = append(m.names, it.Name)
		}
		m.items[it.Name] = it
	}
	sort.Strings(m.names)
	return m
}

func (m FileManifest) Len() int { return len(m.names) }

func (m FileManifest) Get(name string) (Item, bool) {
	it, ok := m.items[name]
	return it, ok
}

// Names returns the file names in lexical order.
func (m FileManifest) Names() []string {
	return append([]string(nil), m.names...)
}

// Items returns the items ordered by name.
func (m FileManifest) Items() []Item {
	out := make([]Item, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.items[name])
	}
	return out
}

func (m FileManifest) TotalBytes() int64 {
	var n int64
	for _, it := range m.items {
		n += it.Length
	}
	return n
}

// Equal reports whether both manifests hold the same names with up-to-date
// items.
func (m FileManifest) Equal(other FileManifest) bool {
	if m.Len() != other.Len() {
		return false
	}
	for name, it := range m.items {
		o, ok := other.items[name]
		if !ok || !it.UpToDate(o) {
			return false
		}
	}
	return true
}

func (m FileManifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Items())
}

func (m *FileManifest) UnmarshalJSON(data []byte) error {
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*m = NewManifest(items)
	return nil
}

// Diff computes which files a holder of local must fetch and which it must
// delete to match reference. Both lists are sorted.
func Diff(reference, local FileManifest, strategy Strategy) (toFetch, toDelete []string) {
	if strategy == StrategyFull {
		return reference.Names(), local.Names()
	}
	for _, name := range reference.names {
		l, ok := local.items[name]
		if !ok || !l.UpToDate(reference.items[name]) {
			toFetch = append(toFetch, name)
		}
	}
	for _, name := range local.names {
		if _, ok := reference.items[name]; !ok {
			toDelete = append(toDelete, name)
		}
	}
	return toFetch, toDelete
}
