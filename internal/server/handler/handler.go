// Package handler implements the node's HTTP endpoints: the replication
// session protocol served by masters, the replication trigger on replicas,
// and the index and backup operations for operators.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/backup"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/instance"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
)

const maxBodyBytes = 32 << 20

// Handler serves every index owned by a Manager.
type Handler struct {
	indexes *instance.Manager
	logger  *slog.Logger
}

func New(indexes *instance.Manager) *Handler {
	return &Handler{
		indexes: indexes,
		logger:  slog.Default().With("component", "http-handler"),
	}
}

// instance resolves the {index} path value, writing the error itself when
// the index is not served here.
func (h *Handler) instance(w http.ResponseWriter, r *http.Request) (*instance.Instance, bool) {
	inst, err := h.indexes.Get(r.PathValue("index"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return inst, true
}

// ---------- Replication ----------

// BeginSession pins the master's visible generation and returns its manifest.
func (h *Handler) BeginSession(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	info, err := inst.BeginSession(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info.ToProto())
}

// ListSessions reports the open sessions of a master.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	sessions := inst.Sessions()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// FetchFile streams one file of a session's pinned generation.
func (h *Handler) FetchFile(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	rc, item, err := inst.Fetch(r.Context(), r.PathValue("session"), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(item.Length, 10))
	w.Header().Set("X-Version-Tag", item.VersionTag)
	w.WriteHeader(http.StatusOK)
	if n, err := io.Copy(w, rc); err != nil {
		logger.FromContext(r.Context()).Warn("file stream interrupted",
			"index", inst.Name(),
			"file", name,
			"sent", n,
			"error", err,
		)
	}
}

// ReleaseSession drops a session. Releasing an unknown session succeeds with
// released set to false.
func (h *Handler) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	id := r.PathValue("session")
	released, err := inst.Release(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, proto.ReleaseResponse{SessionID: id, Released: released})
}

// ReplicationCheck pulls the master's visible generation into this replica.
func (h *Handler) ReplicationCheck(w http.ResponseWriter, r *http.Request) {
	index := r.PathValue("index")
	st, err := h.indexes.Replicate(r.Context(), index)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st.ToProto())
}

// ---------- Index ----------

func (h *Handler) ListIndexes(w http.ResponseWriter, r *http.Request) {
	names := h.indexes.Names()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"indexes": names,
		"count":   len(names),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	st, err := inst.Status(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// Search looks up the q parameter in the visible generation.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		h.writeError(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "query parameter q is required"))
		return
	}
	resp, err := inst.Search(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// PostDocuments adds documents to a master and commits them.
func (h *Handler) PostDocuments(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	var req proto.DocumentsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Documents) == 0 {
		h.writeError(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "no documents"))
		return
	}
	resp, err := inst.PostDocuments(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// commitOptions is the optional body of merge and delete-all.
type commitOptions struct {
	UserData map[string]string `json:"userData,omitempty"`
}

func (h *Handler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	var opts commitOptions
	if err := decodeBody(r, &opts); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := inst.DeleteAll(r.Context(), opts.UserData)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	var opts commitOptions
	if err := decodeBody(r, &opts); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := inst.Merge(r.Context(), opts.UserData)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ---------- Backups ----------

func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	st, err := inst.Backup(r.Context(), r.PathValue("backup"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, st.ToProto())
}

// ListBackups lists the index's backups; the name parameter may be a
// wildcard and defaults to every backup.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	name := r.PathValue("backup")
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	if name == "" {
		name = backup.Wildcard
	}
	list, err := inst.Backups(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]proto.BackupStatus, 0, len(list))
	for _, st := range list {
		out = append(out, st.ToProto())
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"backups": out,
		"count":   len(out),
	})
}

func (h *Handler) DeleteBackups(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	n, err := inst.DeleteBackups(r.Context(), r.PathValue("backup"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// ---------- Helpers ----------

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "invalid JSON body: %v", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		log.Debug("request refused", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeJSON(w, status, proto.ErrorResponse{
		Error:     err.Error(),
		RequestID: logger.RequestID(r.Context()),
	})
}
