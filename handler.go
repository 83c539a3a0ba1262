package recoverability

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// IdempotencyHeader carries the caller-chosen request id of an operation.
const IdempotencyHeader = "Idempotency-Key"

// Handler provides the operator HTTP endpoints.
type Handler struct {
	coord *Coordinator
	index *GroupIndex
	store DataStore
}

// NewHandler creates an operator HTTP handler.
func NewHandler(coord *Coordinator, index *GroupIndex, store DataStore) *Handler {
	return &Handler{coord: coord, index: index, store: store}
}

// Routes returns a chi.Router with all recoverability endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/messages", h.handleListMessages)
	r.Post("/messages/retry", h.handleRetryMessages)
	r.Get("/messages/{id}", h.handleGetMessage)
	r.Post("/messages/{id}/retry", h.handleRetryMessage)
	r.Post("/messages/{id}/archive", h.handleArchiveMessage)

	r.Get("/groups", h.handleListGroups)
	r.Get("/groups/{groupID}", h.handleGetGroup)
	r.Post("/groups/{groupID}/retry", h.handleRetryGroup)
	r.Post("/groups/{groupID}/archive", h.handleArchiveGroup)
	r.Post("/reclassify", h.handleReclassify)

	r.Post("/endpoints/{name}/retry", h.handleRetryEndpoint)
	r.Post("/retry-all", h.handleRetryAll)
	r.Post("/archive-all", h.handleArchiveAll)

	r.Get("/operations", h.handleListOperations)
	r.Get("/operations/{requestID}", h.handleGetOperation)
	r.Post("/operations/{requestID}/cancel", h.handleCancelOperation)
	return r
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := RecordQuery{
		Group:    r.URL.Query().Get("group"),
		Endpoint: r.URL.Query().Get("endpoint"),
		After:    r.URL.Query().Get("after"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := FailureStatus(v)
		if !st.IsValid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
			return
		}
		q.Statuses = []FailureStatus{st}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.Limit = min(n, 1000)
		}
	}
	if q.Limit == 0 {
		q.Limit = 50
	}

	records, err := h.store.QueryRecords(r.Context(), q)
	if err != nil {
		slog.Error("list messages failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if records == nil {
		records = []*FailureRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.store.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	h.startRetry(w, r, MessageScope(chi.URLParam(r, "id")))
}

func (h *Handler) handleArchiveMessage(w http.ResponseWriter, r *http.Request) {
	h.startArchive(w, r, MessageScope(chi.URLParam(r, "id")))
}

func (h *Handler) handleRetryMessages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	h.startRetry(w, r, MessageScope(body.MessageIDs...))
}

func (h *Handler) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.index.Groups(r.Context())
	if err != nil {
		slog.Error("list groups failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.index.Group(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleRetryGroup(w http.ResponseWriter, r *http.Request) {
	h.startRetry(w, r, GroupScope(chi.URLParam(r, "groupID")))
}

func (h *Handler) handleArchiveGroup(w http.ResponseWriter, r *http.Request) {
	h.startArchive(w, r, GroupScope(chi.URLParam(r, "groupID")))
}

func (h *Handler) handleReclassify(w http.ResponseWriter, r *http.Request) {
	changed, err := h.index.Reclassify(r.Context())
	if err != nil {
		slog.Error("reclassify failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed})
}

func (h *Handler) handleRetryEndpoint(w http.ResponseWriter, r *http.Request) {
	h.startRetry(w, r, EndpointScope(chi.URLParam(r, "name")))
}

func (h *Handler) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	h.startRetry(w, r, AllScope())
}

func (h *Handler) handleArchiveAll(w http.ResponseWriter, r *http.Request) {
	h.startArchive(w, r, AllScope())
}

func (h *Handler) handleListOperations(w http.ResponseWriter, r *http.Request) {
	var states []OperationState
	if v := r.URL.Query().Get("state"); v != "" {
		states = append(states, OperationState(v))
	}
	ops, err := h.store.ListOperations(r.Context(), states...)
	if err != nil {
		slog.Error("list operations failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if ops == nil {
		ops = []*Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	p, err := h.coord.GetProgress(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.coord.Cancel(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (h *Handler) startRetry(w http.ResponseWriter, r *http.Request, scope Scope) {
	op, err := h.coord.StartRetry(r.Context(), StartRequest{RequestID: r.Header.Get(IdempotencyHeader), Scope: scope})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (h *Handler) startArchive(w http.ResponseWriter, r *http.Request, scope Scope) {
	op, err := h.coord.StartArchive(r.Context(), StartRequest{RequestID: r.Header.Get(IdempotencyHeader), Scope: scope})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrInvalidScope):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrRequestIDConflict), errors.Is(err, ErrOperationTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
