package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/backup"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/instance"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/replication"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/server/handler"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/server/router"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
)

var testReplication = config.ReplicationConfig{SessionMaxIdle: time.Minute, FetchConcurrency: 2}

func serve(t *testing.T, opts instance.ManagerOptions) (*instance.Manager, string) {
	t.Helper()
	opts.DataDir = t.TempDir()
	opts.Names = []string{"products"}
	opts.Replication = testReplication
	m, err := instance.NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	srv := httptest.NewServer(router.New(handler.New(m), router.Options{}))
	t.Cleanup(srv.Close)
	return m, srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"replctl"}, args...))
	return out.String(), err
}

func TestReplicateAndStatus(t *testing.T) {
	masters, masterURL := serve(t, instance.ManagerOptions{Role: config.RoleMaster})
	_, replicaURL := serve(t, instance.ManagerOptions{
		Role: config.RoleReplica,
		Clients: func(index string) replication.MasterClient {
			return replication.NewHTTPClient(masterURL, index, replication.HTTPClientOptions{})
		},
	})
	inst, err := masters.Get("products")
	require.NoError(t, err)
	_, err = inst.PostDocuments(context.Background(), proto.DocumentsRequest{
		Documents: []proto.Document{{ID: "d1", Text: "anchor"}},
	})
	require.NoError(t, err)

	out, err := run(t, "--server", replicaURL, "--output", "json", "replicate", "products")
	require.NoError(t, err)
	var st proto.ReplicationStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "full", st.Strategy)
	assert.Equal(t, inst.Engine().Current().Generation, st.Generation)

	out, err = run(t, "--server", replicaURL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "LAST REPLICATION")
	assert.Contains(t, out, "replica")
	assert.Contains(t, out, "full gen")

	out, err = run(t, "-s", replicaURL, "-o", "yaml", "status", "products")
	require.NoError(t, err)
	var statuses []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "replica", statuses[0]["role"])
}

func TestBackupCommands(t *testing.T) {
	masters, url := serve(t, instance.ManagerOptions{
		Role:    config.RoleMaster,
		Backups: backup.NewManager(backup.Options{Root: t.TempDir()}),
	})
	inst, err := masters.Get("products")
	require.NoError(t, err)
	_, err = inst.PostDocuments(context.Background(), proto.DocumentsRequest{
		Documents: []proto.Document{{ID: "d1", Text: "anchor"}},
	})
	require.NoError(t, err)

	out, err := run(t, "-s", url, "backup", "create", "--index", "products", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "nightly")

	out, err = run(t, "-s", url, "-o", "json", "backup", "list", "--index", "products")
	require.NoError(t, err)
	var list []proto.BackupStatus
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "nightly", list[0].Name)

	out, err = run(t, "-s", url, "backup", "delete", "--index", "products", "*")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1 backup(s)")

	_, err = run(t, "-s", url, "backup", "create", "--index", "products")
	assert.Error(t, err, "name is required")
}

func TestSessionCommands(t *testing.T) {
	masters, url := serve(t, instance.ManagerOptions{Role: config.RoleMaster})
	inst, err := masters.Get("products")
	require.NoError(t, err)

	out, err := run(t, "-s", url, "-o", "json", "session", "begin", "products")
	require.NoError(t, err)
	var info proto.SessionResponse
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Len(t, inst.Sessions(), 1)

	out, err = run(t, "-s", url, "session", "list", "products")
	require.NoError(t, err)
	assert.Contains(t, out, info.SessionID)

	out, err = run(t, "-s", url, "session", "release", "products", info.SessionID)
	require.NoError(t, err)
	assert.Contains(t, out, "released")
	assert.Empty(t, inst.Sessions())
}

func TestServerErrorsAreReported(t *testing.T) {
	_, url := serve(t, instance.ManagerOptions{Role: config.RoleMaster})
	_, err := run(t, "-s", url, "replicate", "products")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "406")

	_, err = run(t, "-s", url, "status", "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
