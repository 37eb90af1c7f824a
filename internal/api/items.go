package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/opcproxy/internal/dispatch"
	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/store"
)

// maxItemNameLen bounds the {name} path parameter.
const maxItemNameLen = 256

// WriteItemRequest is the body of PUT /items/{name}.
type WriteItemRequest struct {
	Value string `json:"value"`

	// Type is optional; the configured type of the item applies either way.
	Type string `json:"type,omitempty"`
}

// handleListItems returns every item of the current generation.
func (s *Server) handleListItems(w http.ResponseWriter, _ *http.Request) {
	items := s.operator.Items()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// handleGetItem returns one item.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	name, ok := itemName(w, r)
	if !ok {
		return
	}

	it, err := s.operator.ReadItem(name)
	if err != nil {
		if errors.Is(err, store.ErrUnknownItem) {
			writeNotFound(w, "item not found")
			return
		}
		writeInternalError(w, "failed to read item")
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// handleWriteItem writes a value through the backend.
func (s *Server) handleWriteItem(w http.ResponseWriter, r *http.Request) {
	name, ok := itemName(w, r)
	if !ok {
		return
	}

	var req WriteItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	current, err := s.operator.ReadItem(name)
	if err != nil {
		if errors.Is(err, store.ErrUnknownItem) {
			writeNotFound(w, "item not found")
			return
		}
		writeInternalError(w, "failed to read item")
		return
	}

	typ := current.Type
	if req.Type != "" {
		if typ, err = item.ParseType(req.Type); err != nil {
			writeBadRequest(w, "unknown type: "+req.Type)
			return
		}
	}

	if err := s.operator.WriteItem(r.Context(), name, req.Value, typ); err != nil {
		s.writeDispatchError(w, err)
		return
	}

	updated, err := s.operator.ReadItem(name)
	if err != nil {
		// Reloaded away between write and read.
		writeNotFound(w, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// writeDispatchError maps dispatcher errors to HTTP responses.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrUnknownItem):
		writeNotFound(w, "item not found")
	case errors.Is(err, dispatch.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, dispatch.ErrBackendUnavailable):
		writeUnavailable(w, "backend unavailable")
	case errors.Is(err, dispatch.ErrBackendWriteFailed):
		writeError(w, http.StatusBadGateway, ErrCodeBackend, err.Error())
	default:
		s.logger.Error("operator write failed", "error", err)
		writeInternalError(w, "write failed")
	}
}

func itemName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if name == "" || len(name) > maxItemNameLen {
		writeBadRequest(w, "invalid item name")
		return "", false
	}
	return name, true
}
