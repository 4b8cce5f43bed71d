package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"swapdesk/guard"
	"swapdesk/transition"
)

// maxUploadBytes caps a single request body; the container-level budget is
// enforced by the transition service.
const maxUploadBytes = 128 << 20

// UploadArtifact receives one file as a multipart form and stores it into
// the container.
func (s *Server) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	containerID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "reading upload", http.StatusBadRequest)
		return
	}
	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionArtifactUpload], containerID, "container"); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.transitions.UploadArtifact(r.Context(), claims, transition.UploadInput{
		ContainerID: containerID,
		FileName:    header.Filename,
		MimeType:    mime,
		Data:        data,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

// DeleteArtifact removes a file from an open container.
func (s *Server) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	artifactID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionArtifactDelete], artifactID, "artifact"); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.transitions.DeleteArtifact(r.Context(), claims, artifactID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// ViewArtifact issues a short-lived signed URL for a file.
func (s *Server) ViewArtifact(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	artifactID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionArtifactView], artifactID, "artifact"); err != nil {
		s.writeError(w, err)
		return
	}
	url, err := s.transitions.ViewArtifact(r.Context(), claims, artifactID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// SealContainer freezes a container's contents.
func (s *Server) SealContainer(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	containerID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionContainerSeal], containerID, "container"); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.transitions.SealContainer(r.Context(), claims, containerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// ApproveContainer records the admin verdict clearing one container.
func (s *Server) ApproveContainer(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	containerID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionContainerApprove], containerID, "container"); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.transitions.ApproveContainer(r.Context(), claims, containerID, req.Summary)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// RejectContainer records the admin verdict failing one container.
func (s *Server) RejectContainer(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.claims(w, r)
	if !ok {
		return
	}
	containerID, ok := s.pathID(w, r)
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
	if err := s.guard.Admit(r.Context(), claims, guard.Rules[guard.ActionContainerReject], containerID, "container"); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.transitions.RejectContainer(r.Context(), claims, containerID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
