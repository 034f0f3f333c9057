package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
)

// apiClient talks to one index node.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(server string, timeout time.Duration) *apiClient {
	baseURL := server
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func indexPath(index string, parts ...string) string {
	p := "/api/v1/indexes/" + url.PathEscape(index)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// do sends body as JSON when non-nil and decodes a 2xx answer into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e proto.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("server answered %d: %s (request %s)", resp.StatusCode, e.Error, e.RequestID)
		}
		return fmt.Errorf("server answered %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type indexList struct {
	Indexes []string `json:"indexes"`
}

type backupListResponse struct {
	Backups []proto.BackupStatus `json:"backups"`
}

type sessionList struct {
	Sessions []sessionView `json:"sessions"`
}

type sessionView struct {
	ID             string    `json:"id"`
	Generation     int64     `json:"generation"`
	Files          int       `json:"files"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

func (c *apiClient) Indexes(ctx context.Context) ([]string, error) {
	var out indexList
	err := c.do(ctx, http.MethodGet, "/api/v1/indexes", nil, &out)
	return out.Indexes, err
}

func (c *apiClient) Status(ctx context.Context, index string) (*proto.IndexStatus, error) {
	var out proto.IndexStatus
	if err := c.do(ctx, http.MethodGet, indexPath(index, "status"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Replicate(ctx context.Context, index string) (*proto.ReplicationStatus, error) {
	var out proto.ReplicationStatus
	if err := c.do(ctx, http.MethodPost, indexPath(index, "replication", "check"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) CreateBackup(ctx context.Context, index, name string) (*proto.BackupStatus, error) {
	var out proto.BackupStatus
	if err := c.do(ctx, http.MethodPost, indexPath(index, "backups", name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) ListBackups(ctx context.Context, index, name string) ([]proto.BackupStatus, error) {
	var out backupListResponse
	err := c.do(ctx, http.MethodGet, indexPath(index, "backups", name), nil, &out)
	return out.Backups, err
}

func (c *apiClient) DeleteBackups(ctx context.Context, index, name string) (int, error) {
	var out map[string]int
	err := c.do(ctx, http.MethodDelete, indexPath(index, "backups", name), nil, &out)
	return out["deleted"], err
}

func (c *apiClient) BeginSession(ctx context.Context, index string) (*proto.SessionResponse, error) {
	var out proto.SessionResponse
	if err := c.do(ctx, http.MethodPost, indexPath(index, "replication", "sessions"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Sessions(ctx context.Context, index string) ([]sessionView, error) {
	var out sessionList
	err := c.do(ctx, http.MethodGet, indexPath(index, "replication", "sessions"), nil, &out)
	return out.Sessions, err
}

func (c *apiClient) ReleaseSession(ctx context.Context, index, id string) error {
	return c.do(ctx, http.MethodPost, indexPath(index, "replication", "sessions", id, "release"), nil, nil)
}
