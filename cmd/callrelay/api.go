package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kuuji/callwire/internal/rowstore"
	"github.com/kuuji/callwire/internal/turn"
	"github.com/kuuji/callwire/pkg/callproto"
)

// callAPI is the HTTP CRUD surface over the calls table, for clients that
// would rather speak HTTP than hold their own Gateway implementation (the
// engine itself talks to the Gateway directly and never goes through this
// layer). No router library appears anywhere in the retrieved corpus, so
// this is plain net/http with Go's pattern-matching ServeMux rather than a
// third-party router.
type callAPI struct {
	gw         rowstore.Gateway
	turnSecret string
	turnRealm  string
	log        *slog.Logger
}

func (a *callAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /calls", a.handleCreate)
	mux.HandleFunc("GET /calls", a.handleList)
	mux.HandleFunc("GET /calls/{id}", a.handleFetch)
	mux.HandleFunc("PATCH /calls/{id}", a.handleUpdate)
	mux.HandleFunc("GET /turn-credentials", a.handleTurnCredentials)
}

// createCallRequest is the wire shape for POST /calls; it mirrors
// rowstore.InsertFields with JSON tags matching callproto's snake_case
// convention (InsertFields itself has none, since the engine only ever
// builds it in Go, never over the wire).
type createCallRequest struct {
	ID             string                        `json:"id"`
	CallerType     callproto.Role                `json:"caller_type"`
	RecipientType  callproto.Role                `json:"recipient_type"`
	ParentID       *string                       `json:"parent_id,omitempty"`
	ChildID        *string                       `json:"child_id,omitempty"`
	FamilyMemberID *string                       `json:"family_member_id,omitempty"`
	Offer          callproto.SessionDescription  `json:"offer"`
	IdempotencyKey string                        `json:"idempotency_key,omitempty"`
}

func (a *callAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ID == "" || !req.CallerType.Valid() || !req.RecipientType.Valid() {
		writeError(w, http.StatusBadRequest, "id, caller_type, and recipient_type are required")
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = req.ID
	}

	call, err := a.gw.Insert(r.Context(), key, rowstore.InsertFields{
		ID:             req.ID,
		CallerType:     req.CallerType,
		RecipientType:  req.RecipientType,
		ParentID:       req.ParentID,
		ChildID:        req.ChildID,
		FamilyMemberID: req.FamilyMemberID,
		Offer:          req.Offer,
	})
	if err != nil {
		a.writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, call)
}

func (a *callAPI) handleFetch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	call, err := a.gw.Fetch(r.Context(), id)
	if err != nil {
		a.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (a *callAPI) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var patch callproto.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := a.gw.Update(r.Context(), id, patch); err != nil {
		a.writeGatewayError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *callAPI) handleList(w http.ResponseWriter, r *http.Request) {
	profileID := r.URL.Query().Get("profile_id")
	if profileID == "" {
		writeError(w, http.StatusBadRequest, "profile_id query parameter is required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	calls, err := a.gw.ListRecent(r.Context(), profileID, limit)
	if err != nil {
		a.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (a *callAPI) handleTurnCredentials(w http.ResponseWriter, r *http.Request) {
	profileID := r.URL.Query().Get("profile_id")
	if profileID == "" {
		writeError(w, http.StatusBadRequest, "profile_id query parameter is required")
		return
	}
	if a.turnSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "no TURN secret configured")
		return
	}

	username, password := turn.GenerateCredentials(a.turnSecret, profileID, 0)
	writeJSON(w, http.StatusOK, map[string]string{
		"username": username,
		"password": password,
		"realm":    a.turnRealm,
	})
}

func (a *callAPI) writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rowstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rowstore.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rowstore.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, rowstore.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.Error("gateway error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
