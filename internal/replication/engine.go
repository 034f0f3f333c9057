package replication

import "github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer"

// IndexReplica installs pulled generations into a read-only engine.
type IndexReplica struct {
	*indexer.Engine
}

func (r IndexReplica) Install(stagingDir string, names []string, commitName string) error {
	_, err := r.Engine.Install(stagingDir, names, commitName)
	return err
}

// SnapshotsOf pins the visible generation of e for each new session.
func SnapshotsOf(e *indexer.Engine) SnapshotFunc {
	return func() (Snapshot, error) {
		pin, err := e.Snapshot()
		if err != nil {
			return nil, err
		}
		return pin, nil
	}
}
