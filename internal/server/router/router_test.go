package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/backup"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/instance"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/replication"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/server/handler"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
)

var testReplication = config.ReplicationConfig{
	SessionMaxIdle:   time.Minute,
	FetchConcurrency: 2,
}

type node struct {
	indexes *instance.Manager
	srv     *httptest.Server
}

func startNode(t *testing.T, opts instance.ManagerOptions) *node {
	t.Helper()
	opts.DataDir = t.TempDir()
	opts.Replication = testReplication
	if opts.Names == nil {
		opts.Names = []string{"products"}
	}
	m, err := instance.NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	checker := health.NewChecker()
	srv := httptest.NewServer(New(handler.New(m), Options{Health: checker, Timeout: 5 * time.Second}))
	t.Cleanup(srv.Close)
	return &node{indexes: m, srv: srv}
}

func startMaster(t *testing.T) *node {
	return startNode(t, instance.ManagerOptions{
		Role:    config.RoleMaster,
		Backups: backup.NewManager(backup.Options{Root: t.TempDir()}),
	})
}

func startReplica(t *testing.T, masterURL string) *node {
	return startNode(t, instance.ManagerOptions{
		Role: config.RoleReplica,
		Clients: func(index string) replication.MasterClient {
			return replication.NewHTTPClient(masterURL, index, replication.HTTPClientOptions{Timeout: 5 * time.Second})
		},
	})
}

func call(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "test-request")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestReplicaPullsOverHTTP(t *testing.T) {
	master := startMaster(t)
	replica := startReplica(t, master.srv.URL)
	api := "/api/v1/indexes/products"

	var commit proto.CommitResponse
	status := call(t, http.MethodPost, master.srv.URL+api+"/documents",
		`{"documents":[{"id":"d1","text":"blue whale"},{"id":"d2","text":"grey whale"}],"userData":{"batch":"1"}}`, &commit)
	require.Equal(t, http.StatusCreated, status)

	var st proto.ReplicationStatus
	status = call(t, http.MethodPost, replica.srv.URL+api+"/replication/check", "", &st)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "full", st.Strategy)
	assert.Equal(t, commit.Generation, st.Generation)
	assert.Positive(t, st.Fetched)

	var hits proto.SearchResponse
	status = call(t, http.MethodGet, replica.srv.URL+api+"/search?q=whale", "", &hits)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, hits.Hits, 2)

	var idx proto.IndexStatus
	call(t, http.MethodGet, replica.srv.URL+api+"/status", "", &idx)
	assert.Equal(t, "replica", idx.Role)
	require.NotNil(t, idx.LastReplication)

	var sessions struct {
		Count int `json:"count"`
	}
	call(t, http.MethodGet, master.srv.URL+api+"/replication/sessions", "", &sessions)
	assert.Zero(t, sessions.Count, "replica released its session")

	call(t, http.MethodPost, master.srv.URL+api+"/merge", `{"userData":{"reason":"compact"}}`, &commit)
	status = call(t, http.MethodPost, replica.srv.URL+api+"/replication/check", "", &st)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "incremental", st.Strategy)
}

func TestSessionProtocolOverHTTP(t *testing.T) {
	master := startMaster(t)
	base := master.srv.URL + "/api/v1/indexes/products/replication/sessions"

	var info proto.SessionResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base, "", &info))
	var commitItem proto.ManifestItem
	for _, it := range info.Manifest {
		if it.Name == info.CommitName {
			commitItem = it
		}
	}
	require.Equal(t, info.CommitName, commitItem.Name, "manifest lists the commit file")

	resp, err := http.Get(base + "/" + info.SessionID + "/files/" + info.CommitName)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, data, int(commitItem.Length))
	assert.Equal(t, commitItem.VersionTag, resp.Header.Get("X-Version-Tag"))

	var errResp proto.ErrorResponse
	status := call(t, http.MethodGet, base+"/"+info.SessionID+"/files/seg_99999999.spdx", "", &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, errResp.Error, apperrors.ErrFileNotFound.Error())
	assert.Equal(t, "test-request", errResp.RequestID)

	var rel proto.ReleaseResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base+"/"+info.SessionID+"/release", "", &rel))
	assert.True(t, rel.Released)
	var again proto.ReleaseResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base+"/"+info.SessionID+"/release", "", &again))
	assert.False(t, again.Released)

	status = call(t, http.MethodGet, base+"/"+info.SessionID+"/files/"+info.CommitName, "", &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, errResp.Error, apperrors.ErrSessionNotFound.Error())
}

func TestErrorStatusCodes(t *testing.T) {
	master := startMaster(t)
	replica := startReplica(t, master.srv.URL)

	tests := []struct {
		name   string
		method string
		url    string
		body   string
		want   int
	}{
		{"unknown index", http.MethodGet, master.srv.URL + "/api/v1/indexes/orders/status", "", http.StatusNotFound},
		{"write to replica", http.MethodPost, replica.srv.URL + "/api/v1/indexes/products/documents", `{"documents":[{"id":"a","text":"b"}]}`, http.StatusConflict},
		{"session on replica", http.MethodPost, replica.srv.URL + "/api/v1/indexes/products/replication/sessions", "", http.StatusConflict},
		{"check on master", http.MethodPost, master.srv.URL + "/api/v1/indexes/products/replication/check", "", http.StatusNotAcceptable},
		{"backup on replica without root", http.MethodPost, replica.srv.URL + "/api/v1/indexes/products/backups/daily", "", http.StatusNotAcceptable},
		{"bad json", http.MethodPost, master.srv.URL + "/api/v1/indexes/products/documents", `{"documents":`, http.StatusBadRequest},
		{"missing id", http.MethodPost, master.srv.URL + "/api/v1/indexes/products/documents", `{"documents":[{"text":"b"}]}`, http.StatusBadRequest},
		{"missing query", http.MethodGet, master.srv.URL + "/api/v1/indexes/products/search", "", http.StatusBadRequest},
		{"bad backup name", http.MethodPost, master.srv.URL + "/api/v1/indexes/products/backups/.hidden", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp proto.ErrorResponse
			assert.Equal(t, tt.want, call(t, tt.method, tt.url, tt.body, &errResp))
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestBackupsOverHTTP(t *testing.T) {
	master := startMaster(t)
	api := master.srv.URL + "/api/v1/indexes/products"
	call(t, http.MethodPost, api+"/documents", `{"documents":[{"id":"d1","text":"kelp"}]}`, nil)

	var st proto.BackupStatus
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, api+"/backups/daily", "", &st))
	assert.Equal(t, "daily", st.Name)
	assert.Equal(t, "products", st.Index)
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, api+"/backups/weekly", "", &st))

	var list struct {
		Backups []proto.BackupStatus `json:"backups"`
		Count   int                  `json:"count"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, api+"/backups", "", &list))
	assert.Equal(t, 2, list.Count)
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, api+"/backups/daily", "", &list))
	assert.Equal(t, 1, list.Count)

	var deleted map[string]int
	require.Equal(t, http.StatusOK, call(t, http.MethodDelete, api+"/backups/*", "", &deleted))
	assert.Equal(t, 2, deleted["deleted"])
}

func TestHealthAndIndexList(t *testing.T) {
	master := startMaster(t)
	var live map[string]string
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, master.srv.URL+"/health/live", "", &live))
	assert.Equal(t, "alive", live["status"])

	var ready health.Report
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, master.srv.URL+"/health/ready", "", &ready))
	assert.Equal(t, health.StatusUp, ready.Status)

	var list struct {
		Indexes []string `json:"indexes"`
	}
	call(t, http.MethodGet, master.srv.URL+"/api/v1/indexes", "", &list)
	assert.Equal(t, []string{"products"}, list.Indexes)

	resp, err := http.Get(master.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReplicationCheckSurvivesConcurrentTriggers(t *testing.T) {
	master := startMaster(t)
	replica := startReplica(t, master.srv.URL)
	call(t, http.MethodPost, master.srv.URL+"/api/v1/indexes/products/documents", `{"documents":[{"id":"d1","text":"reef"}]}`, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan int, 3)
	for range 3 {
		go func() {
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, replica.srv.URL+"/api/v1/indexes/products/replication/check", nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				done <- 0
				return
			}
			resp.Body.Close()
			done <- resp.StatusCode
		}()
	}
	for range 3 {
		assert.Equal(t, http.StatusOK, <-done)
	}
	inst, err := replica.indexes.Get("products")
	require.NoError(t, err)
	resp, err := inst.Search(ctx, "reef")
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 1)
}
