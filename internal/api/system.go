package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/nerrad567/opcproxy/internal/dispatch"
	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/journal"
	"github.com/nerrad567/opcproxy/internal/persistence"
)

// SnapshotRequest is the body of the snapshot endpoints.
type SnapshotRequest struct {
	// Path is the snapshot file. Save accepts an empty path and picks a
	// timestamped file; load requires one.
	Path string `json:"path"`
}

// handleStatus returns the dispatcher status plus WebSocket client count.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":           s.version,
		"proxy":             s.operator.Status(),
		"websocket_clients": s.hub.ClientCount(),
	})
}

// handleSaveSnapshot writes the current store to a snapshot file.
func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSnapshotRequest(w, r)
	if !ok {
		return
	}

	path, err := s.operator.SaveSnapshot(req.Path)
	if err != nil {
		s.logger.Error("snapshot save failed", "path", req.Path, "error", err)
		writeInternalError(w, "failed to save snapshot")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

// handleLoadSnapshot restores a snapshot into the current generation.
// A partially invalid snapshot is applied and reported with a warning.
func (s *Server) handleLoadSnapshot(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSnapshotRequest(w, r)
	if !ok {
		return
	}
	if req.Path == "" {
		writeBadRequest(w, "path is required")
		return
	}

	applied, err := s.operator.LoadSnapshot(r.Context(), req.Path)
	resp := map[string]any{"path": req.Path, "applied": applied}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, fs.ErrNotExist):
		writeNotFound(w, "snapshot not found")
	case errors.Is(err, persistence.ErrInvalidSnapshot) && applied > 0:
		resp["warning"] = err.Error()
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, persistence.ErrInvalidSnapshot):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, dispatch.ErrBackendUnavailable):
		writeUnavailable(w, "backend unavailable")
	default:
		s.logger.Error("snapshot load failed", "path", req.Path, "error", err)
		writeInternalError(w, "failed to load snapshot")
	}
}

// handleReload re-reads the configuration and replaces the generation.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeUnavailable(w, "reload not available")
		return
	}

	if err := s.reload(r.Context()); err != nil {
		s.logger.Error("configuration reload failed", "error", err)
		if errors.Is(err, dispatch.ErrBackendUnavailable) {
			writeUnavailable(w, err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}

	st := s.operator.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": st.Generation,
		"items":      st.Items,
		"backend":    st.Backend,
	})
}

// handleListJournal returns recorded writes, most recent first.
//
// Query parameters: item, source, failed=true, limit, offset.
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "write journal unavailable")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Item:       q.Get("item"),
		Source:     item.Source(q.Get("source")),
		FailedOnly: q.Get("failed") == "true",
	}

	var err error
	if filter.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "invalid limit")
		return
	}
	if filter.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "invalid offset")
		return
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		writeInternalError(w, "failed to list journal")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// decodeSnapshotRequest reads an optional JSON body. An empty body is an
// empty request.
func decodeSnapshotRequest(w http.ResponseWriter, r *http.Request) (SnapshotRequest, bool) {
	var req SnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return req, false
	}
	return req, true
}

// parseIntParam parses a non-negative integer query parameter. Empty is zero.
func parseIntParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}
