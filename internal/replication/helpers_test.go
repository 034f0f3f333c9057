package replication

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer"
)

func openEngine(t *testing.T, readOnly bool) *indexer.Engine {
	t.Helper()
	e, err := indexer.Open(indexer.Options{Dir: t.TempDir(), ReadOnly: readOnly})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func commitDocs(t *testing.T, e *indexer.Engine, docs map[string]string) {
	t.Helper()
	for id, text := range docs {
		require.NoError(t, e.AddDocument(id, text))
	}
	_, err := e.Commit(nil)
	require.NoError(t, err)
}

func localManifest(t *testing.T, e *indexer.Engine) FileManifest {
	t.Helper()
	m, err := FromFiles(e.Dir(), e.LocalFiles(), NewTagger()).Manifest()
	require.NoError(t, err)
	return m
}

var errInjected = errors.New("injected transfer failure")

// flakyClient fails the failAt-th fetch (1-based) and can corrupt payloads.
type flakyClient struct {
	MasterClient
	failAt   int32
	corrupt  bool
	fetches  atomic.Int32
	released atomic.Int32
}

func (c *flakyClient) Fetch(ctx context.Context, sessionID, name string) (io.ReadCloser, error) {
	n := c.fetches.Add(1)
	if c.failAt > 0 && n == c.failAt {
		return nil, errInjected
	}
	rc, err := c.MasterClient.Fetch(ctx, sessionID, name)
	if err != nil || !c.corrupt {
		return rc, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	data[0] ^= 0xff
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (c *flakyClient) Release(ctx context.Context, sessionID string) error {
	c.released.Add(1)
	return c.MasterClient.Release(ctx, sessionID)
}
