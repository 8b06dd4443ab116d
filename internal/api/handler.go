// Package api exposes the settlement engine over JSON HTTP for the excluded
// presentation layer. It translates coordinator outcomes into status codes
// and keeps the ledger's diagnostic codes in the response body.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/guardedvault/quest/internal/auth"
	"github.com/guardedvault/quest/internal/coordinator"
	"github.com/guardedvault/quest/internal/middleware"
	"github.com/guardedvault/quest/internal/models"
)

// Handler serves the caller-facing operations.
type Handler struct {
	coord *coordinator.Coordinator
	jwt   *auth.JWTManager
}

// New creates a handler backed by the given coordinator and token manager.
func New(coord *coordinator.Coordinator, jwt *auth.JWTManager) *Handler {
	return &Handler{coord: coord, jwt: jwt}
}

// Register mounts all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session", h.createSession)
	mux.HandleFunc("POST /v1/parties", h.createParty)
	mux.HandleFunc("POST /v1/parties/{id}/join", h.joinParty)
	mux.HandleFunc("POST /v1/parties/{id}/complete", h.completeParty)
	mux.HandleFunc("GET /v1/parties/{id}", h.getParty)
	mux.HandleFunc("GET /v1/parties/{id}/members/{addr}", h.isMember)
	mux.HandleFunc("GET /v1/parties/{id}/operation", h.operationStatus)
	mux.HandleFunc("POST /v1/chests/{chest}/unlock", h.unlockChest)
	mux.HandleFunc("POST /v1/chests/{chest}/claim", h.claimReward)
}

type errorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type partyResponse struct {
	ID           uint64 `json:"id"`
	Leader       string `json:"leader"`
	MemberCount  int    `json:"memberCount"`
	MaxMembers   int    `json:"maxMembers"`
	CurrentLevel int    `json:"currentLevel"`
	SealedReward []byte `json:"sealedReward,omitempty"`
	IsActive     bool   `json:"isActive"`
	IsCompleted  bool   `json:"isCompleted"`
	StartTime    int64  `json:"startTime"`
	EndTime      int64  `json:"endTime"`
}

func toPartyResponse(p models.Party) partyResponse {
	return partyResponse{
		ID:           p.ID,
		Leader:       p.Leader,
		MemberCount:  p.MemberCount,
		MaxMembers:   p.MaxMembers,
		CurrentLevel: p.CurrentLevel,
		SealedReward: p.SealedReward,
		IsActive:     p.IsActive,
		IsCompleted:  p.IsCompleted,
		StartTime:    p.StartTime,
		EndTime:      p.EndTime,
	}
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Code: "bad_request", Detail: "address required"}})
		return
	}
	token, err := h.jwt.Generate(req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) createParty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxMembers      int   `json:"maxMembers"`
		DurationSeconds int64 `json:"durationSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Code: "bad_request", Detail: "malformed body"}})
		return
	}

	id, err := h.coord.CreateParty(r.Context(), middleware.GetAddress(r.Context()), req.MaxMembers, req.DurationSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"partyId": id})
}

func (h *Handler) joinParty(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.coord.JoinParty(r.Context(), middleware.GetAddress(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (h *Handler) completeParty(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.coord.CompleteParty(r.Context(), middleware.GetAddress(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *Handler) getParty(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.coord.GetPartyInfo(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartyResponse(p))
}

func (h *Handler) isMember(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	isMember, err := h.coord.IsMember(r.Context(), id, r.PathValue("addr"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isMember": isMember})
}

func (h *Handler) operationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	st, _ := h.coord.Status(middleware.GetAddress(r.Context()), id)

	resp := struct {
		Operation string     `json:"operation,omitempty"`
		State     string     `json:"state"`
		Tx        string     `json:"tx,omitempty"`
		Error     *errorBody `json:"error,omitempty"`
	}{
		Operation: string(st.Operation),
		State:     string(st.State),
		Tx:        string(st.Tx),
	}
	if st.Err != nil {
		code, detail := errorCode(st.Err)
		resp.Error = &errorBody{Code: code, Detail: detail}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) unlockChest(w http.ResponseWriter, r *http.Request) {
	chestID, ok := pathID(w, r, "chest")
	if !ok {
		return
	}
	var req struct {
		PartyID uint64 `json:"partyId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Code: "bad_request", Detail: "malformed body"}})
		return
	}
	if err := h.coord.UnlockChest(r.Context(), middleware.GetAddress(r.Context()), chestID, req.PartyID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

func (h *Handler) claimReward(w http.ResponseWriter, r *http.Request) {
	chestID, ok := pathID(w, r, "chest")
	if !ok {
		return
	}
	var req struct {
		PartyID uint64 `json:"partyId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Code: "bad_request", Detail: "malformed body"}})
		return
	}
	if err := h.coord.ClaimReward(r.Context(), middleware.GetAddress(r.Context()), chestID, req.PartyID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "claimed"})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Code: "bad_request", Detail: "invalid " + name}})
		return 0, false
	}
	return id, true
}

// errorCode maps an engine error to a stable code plus detail.
func errorCode(err error) (string, string) {
	var f *coordinator.Failure
	if errors.As(err, &f) {
		return string(f.Code), f.Detail
	}
	switch {
	case errors.Is(err, coordinator.ErrOperationInProgress):
		return "operation_in_progress", err.Error()
	case errors.Is(err, coordinator.ErrTimeout):
		return "timeout", err.Error()
	case errors.Is(err, coordinator.ErrNotFound):
		return "not_found", err.Error()
	}
	return "internal", err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	code, detail := errorCode(err)

	status := http.StatusInternalServerError
	switch code {
	case string(coordinator.Unauthenticated):
		status = http.StatusUnauthorized
	case string(coordinator.PreconditionFailed):
		status = http.StatusBadRequest
	case string(coordinator.LedgerRejected):
		status = http.StatusUnprocessableEntity
	case string(coordinator.LedgerReverted), "operation_in_progress":
		status = http.StatusConflict
	case "timeout":
		// Distinct from failure: the transaction may still confirm.
		status = http.StatusGatewayTimeout
	case "not_found":
		status = http.StatusNotFound
	}

	writeJSON(w, status, errorResponse{errorBody{Code: code, Detail: detail}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
