package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"swapdesk/auth"
	"swapdesk/guard"
	"swapdesk/transition"
)

func (s *Server) claims(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return auth.Claims{}, false
	}
	return *claims, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// CreateRoom opens a room and issues the counterparty invite.
func (s *Server) CreateRoom(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount           float64 `json:"amount"`
		Currency         string  `json:"currency"`
		RequirementsHash string  `json:"requirements_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Currency) == "" {
		req.Currency = "USD"
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionRoomInvite], claims.Subject, "room"); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.transitions.InviteRoom(r.Context(), claims, transition.InviteInput{
		RequiredAmount:   req.Amount,
		Currency:         req.Currency,
		RequirementsHash: req.RequirementsHash,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

// JoinRoom accepts an invite.
func (s *Server) JoinRoom(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	roomID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionRoomJoin], roomID, "room"); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.transitions.JoinRoom(r.Context(), claims, roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// LockRoom opens the escrow orders and locks the terms.
func (s *Server) LockRoom(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	roomID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionRoomLock], roomID, "room"); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.transitions.LockRoom(r.Context(), claims, roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// CancelRoom withdraws a room from a cancellable state.
func (s *Server) CancelRoom(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	roomID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionRoomCancel], roomID, "room"); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.transitions.CancelRoom(r.Context(), claims, roomID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// ApproveSwap clears an UNDER_VALIDATION room for execution.
func (s *Server) ApproveSwap(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	roomID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionRoomSwapApproval], roomID, "room"); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.transitions.ApproveSwap(r.Context(), claims, roomID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// FailRoom triggers the failure cascade from an admin decision.
func (s *Server) FailRoom(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	roomID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionRoomFail], roomID, "room"); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cascade.Run(r.Context(), claims.Subject, roomID, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"room_id": roomID.String(), "outcome": "failed"})
}

// GetRoom returns a room with its containers for participants and admins.
func (s *Server) GetRoom(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	roomID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	room, err := s.rooms.Get(r.Context(), roomID)
	if err != nil {
		s.writeError(w, transition.ErrNotFound)
		return
	}
	if claims.Role == auth.RoleParticipant {
		participant := claims.Subject == room.CreatorID ||
			(room.CounterpartyID != nil && claims.Subject == *room.CounterpartyID)
		if !participant {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	containers, err := s.containers.ListByRoom(r.Context(), nil, roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	room.Containers = containers
	s.writeJSON(w, http.StatusOK, room)
}
