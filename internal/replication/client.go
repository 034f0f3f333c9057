package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/resilience"
)

// MasterClient is the replica's view of a master.
type MasterClient interface {
	BeginSession(ctx context.Context) (*SessionInfo, error)
	Fetch(ctx context.Context, sessionID, name string) (io.ReadCloser, error)
	Release(ctx context.Context, sessionID string) error
}

// LocalClient talks to a Master in the same process.
type LocalClient struct {
	Master *Master
}

func (c LocalClient) BeginSession(ctx context.Context) (*SessionInfo, error) {
	return c.Master.BeginSession(ctx)
}

func (c LocalClient) Fetch(ctx context.Context, sessionID, name string) (io.ReadCloser, error) {
	rc, _, err := c.Master.Fetch(ctx, sessionID, name)
	return rc, err
}

func (c LocalClient) Release(_ context.Context, sessionID string) error {
	_ = c.Master.Release(sessionID)
	return nil
}

// HTTPClient talks to a master's replication routes. Control calls are
// bounded by Timeout; file streams are not.
type HTTPClient struct {
	baseURL string
	index   string
	timeout time.Duration
	http    *http.Client
	breaker *resilience.CircuitBreaker
}

type HTTPClientOptions struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
}

func NewHTTPClient(baseURL, index string, opts HTTPClientOptions) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		breaker: opts.Breaker,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker("master:"+baseURL, resilience.CircuitBreakerConfig{
			IsFailure: isRemoteFailure,
		})
	}
	return c
}

// isRemoteFailure keeps well-formed refusals from tripping the breaker.
func isRemoteFailure(err error) bool {
	switch {
	case apperrors.Is(err, apperrors.ErrSessionNotFound),
		apperrors.Is(err, apperrors.ErrFileNotFound),
		apperrors.Is(err, apperrors.ErrNotMaster),
		apperrors.Is(err, apperrors.ErrIndexNotFound):
		return false
	}
	return true
}

func (c *HTTPClient) sessionsURL() string {
	return fmt.Sprintf("%s/api/v1/indexes/%s/replication/sessions", c.baseURL, url.PathEscape(c.index))
}

func (c *HTTPClient) BeginSession(ctx context.Context) (*SessionInfo, error) {
	var resp proto.SessionResponse
	err := c.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, c.timeout, "begin session", func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodPost, c.sessionsURL(), &resp)
		})
	})
	if err != nil {
		return nil, err
	}
	return sessionFromProto(resp), nil
}

func (c *HTTPClient) Fetch(ctx context.Context, sessionID, name string) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/%s/files/%s", c.sessionsURL(), url.PathEscape(sessionID), url.PathEscape(name))
	var body io.ReadCloser
	err := c.breaker.Execute(func() error {
		req, err := c.newRequest(ctx, http.MethodGet, u)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", name, err)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *HTTPClient) Release(ctx context.Context, sessionID string) error {
	u := fmt.Sprintf("%s/%s/release", c.sessionsURL(), url.PathEscape(sessionID))
	var resp proto.ReleaseResponse
	return c.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, c.timeout, "release session", func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodPost, u, &resp)
		})
	})
}

func (c *HTTPClient) newRequest(ctx context.Context, method, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if id := logger.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	return req, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, u string, out any) error {
	req, err := c.newRequest(ctx, method, u)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", u, err)
	}
	return nil
}

// decodeError maps a master's error status back onto the local taxonomy.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	var body proto.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = apperrors.ErrSessionNotFound
		if strings.Contains(msg, apperrors.ErrFileNotFound.Error()) {
			sentinel = apperrors.ErrFileNotFound
		}
		if strings.Contains(msg, apperrors.ErrIndexNotFound.Error()) {
			sentinel = apperrors.ErrIndexNotFound
		}
	case http.StatusConflict:
		sentinel = apperrors.ErrNotMaster
	case http.StatusNotAcceptable:
		sentinel = apperrors.ErrNotAcceptable
	case http.StatusBadRequest:
		sentinel = apperrors.ErrInvalidInput
	default:
		sentinel = apperrors.ErrInternal
	}
	return apperrors.Newf(sentinel, resp.StatusCode, "master responded %d: %s", resp.StatusCode, msg)
}

func sessionFromProto(r proto.SessionResponse) *SessionInfo {
	items := make([]Item, 0, len(r.Manifest))
	for _, it := range r.Manifest {
		items = append(items, Item{Name: it.Name, Length: it.Length, VersionTag: it.VersionTag})
	}
	return &SessionInfo{
		SessionID:      r.SessionID,
		Index:          r.Index,
		MasterIdentity: r.MasterIdentity,
		Generation:     r.Generation,
		CommitName:     r.CommitName,
		Manifest:       NewManifest(items),
	}
}

// ToProto renders the session for the wire.
func (s *SessionInfo) ToProto() proto.SessionResponse {
	items := s.Manifest.Items()
	manifest := make([]proto.ManifestItem, 0, len(items))
	for _, it := range items {
		manifest = append(manifest, proto.ManifestItem{Name: it.Name, Length: it.Length, VersionTag: it.VersionTag})
	}
	return proto.SessionResponse{
		SessionID:      s.SessionID,
		Index:          s.Index,
		MasterIdentity: s.MasterIdentity,
		Generation:     s.Generation,
		CommitName:     s.CommitName,
		Manifest:       manifest,
	}
}
