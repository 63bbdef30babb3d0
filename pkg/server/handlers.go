package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/halcyonlabs/outpost/pkg/commandqueue"
	"github.com/halcyonlabs/outpost/pkg/contextdir"
	"github.com/halcyonlabs/outpost/pkg/coordinator"
	"github.com/halcyonlabs/outpost/pkg/dispatcher"
	"github.com/halcyonlabs/outpost/pkg/thread"
	"github.com/halcyonlabs/outpost/pkg/updater"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"threads":   s.registry.Len(),
		"agent":     s.options.AgentName,
		"version":   s.options.Version,
		"uptime":    time.Since(s.startTime).Seconds(),
	}
	if s.queue != nil {
		payload["queue"] = s.queue.GetStats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    s.options.Version,
		"agent":      s.options.AgentName,
		"go_version": runtime.Version(),
	})
}

// handleMessage accepts an inbound message and schedules its dispatch.
// The 202 goes out as soon as the message is queued; the engine runs in
// the background.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := validateMessagePayload(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payload struct {
		ThreadID  string `json:"thread_id"`
		Message   string `json:"message"`
		Sender    string `json:"sender"`
		Channel   string `json:"channel"`
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if payload.ThreadID == "" {
		payload.ThreadID = "general"
	}
	if payload.Sender == "" {
		payload.Sender = "unknown"
	}
	if payload.Channel == "" {
		payload.Channel = "unknown"
	}

	err = s.dispatcher.Accept(r.Context(), dispatcher.InboundMessage{
		ThreadID:  payload.ThreadID,
		Sender:    payload.Sender,
		Channel:   payload.Channel,
		Content:   payload.Message,
		MessageID: payload.MessageID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"thread_id": payload.ThreadID,
		"message":   "Processing your request...",
	})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.List(r.Context(), s.registry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

func (s *Server) handleThreadHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	if err := thread.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Corrupt or missing logs both degrade to an empty history here
	messages := s.store.LoadOrEmpty(r.Context(), threadID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	if err := thread.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Queued dispatches for the thread are rejected before the log is
	// deleted, so none of them resurrect it.
	if s.queue != nil {
		s.queue.ResetLane(commandqueue.ThreadLane(threadID))
	}

	if err := thread.Delete(s.store, s.registry, threadID); err != nil {
		if errors.Is(err, thread.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "thread '"+threadID+"' not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "deleted",
		"thread_id": threadID,
	})
}

func (s *Server) handleListContext(w http.ResponseWriter, r *http.Request) {
	files, err := s.docs.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"context_files": files,
		"total":         len(files),
	})
}

type contextPayload struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var payload contextPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	if err := s.docs.Create(payload.Name, payload.Content); err != nil {
		switch {
		case errors.Is(err, contextdir.ErrInvalidName):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, contextdir.ErrDocumentExists):
			writeError(w, http.StatusConflict, "context '"+payload.Name+"' already exists, use PUT to update")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "created",
		"name":   payload.Name,
	})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	content, err := s.docs.Get(name)
	if err != nil {
		switch {
		case errors.Is(err, contextdir.ErrInvalidName):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, contextdir.ErrDocumentNotFound):
			writeError(w, http.StatusNotFound, "context '"+name+"' not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"name":    name,
		"content": content,
	})
}

func (s *Server) handlePutContext(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var payload contextPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.Content == "" {
		writeError(w, http.StatusBadRequest, "Content required")
		return
	}

	if err := s.docs.Put(name, payload.Content); err != nil {
		if errors.Is(err, contextdir.ErrInvalidName) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "saved",
		"name":   name,
	})
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.docs.Delete(name); err != nil {
		switch {
		case errors.Is(err, contextdir.ErrInvalidName):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, contextdir.ErrDocumentNotFound):
			writeError(w, http.StatusNotFound, "context '"+name+"' not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"name":   name,
	})
}

func (s *Server) handleGetRoot(w http.ResponseWriter, r *http.Request) {
	content, err := s.docs.GetRoot()
	if err != nil {
		if errors.Is(err, contextdir.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "CLAUDE.md not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) handlePutRoot(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.Content == "" {
		writeError(w, http.StatusBadRequest, "Content required")
		return
	}

	if err := s.docs.PutRoot(payload.Content); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil || s.updater == nil {
		writeError(w, http.StatusServiceUnavailable, "self-update not configured")
		return
	}

	var payload struct {
		Force bool `json:"force"`
	}
	// An empty body means force=false
	_ = json.NewDecoder(r.Body).Decode(&payload)

	update, err := s.coord.FetchListenerUpdate(r.Context())
	if err != nil {
		var unreachable *coordinator.UnreachableError
		var status *coordinator.StatusError
		switch {
		case errors.Is(err, coordinator.ErrNoUpdate):
			writeError(w, http.StatusNotFound, "no listener update available on coordinator")
		case errors.As(err, &unreachable):
			writeError(w, http.StatusServiceUnavailable, "failed to reach coordinator: "+err.Error())
		case errors.As(err, &status):
			writeError(w, status.Code, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	result, err := s.updater.Apply(update, payload.Force)
	if err != nil {
		if errors.Is(err, updater.ErrEmptyArtifact) {
			writeError(w, http.StatusBadRequest, "no code in update response")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		writeError(w, http.StatusServiceUnavailable, "self-update not configured")
		return
	}

	result, err := s.updater.Rollback()
	if err != nil {
		if errors.Is(err, updater.ErrNoBackup) {
			writeError(w, http.StatusNotFound, "no backup file found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSkillsAvailable(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		writeError(w, http.StatusServiceUnavailable, "skill sync not configured")
		return
	}

	catalog, err := s.skills.Available(r.Context())
	if err != nil {
		s.writeSkillError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(catalog)
}

type skillPayload struct {
	Name      string `json:"name"`
	Overwrite bool   `json:"overwrite"`
}

func (s *Server) handleSkillsPublish(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		writeError(w, http.StatusServiceUnavailable, "skill sync not configured")
		return
	}

	var payload skillPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, "skill name required")
		return
	}

	if err := s.skills.Publish(r.Context(), payload.Name); err != nil {
		s.writeSkillError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "published",
		"name":   payload.Name,
	})
}

func (s *Server) handleSkillsPull(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		writeError(w, http.StatusServiceUnavailable, "skill sync not configured")
		return
	}

	var payload skillPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, "skill name required")
		return
	}

	size, err := s.skills.Pull(r.Context(), payload.Name, payload.Overwrite)
	if err != nil {
		if errors.Is(err, coordinator.ErrSkillExists) {
			writeError(w, http.StatusConflict, "local context '"+payload.Name+"' already exists, set overwrite=true")
			return
		}
		s.writeSkillError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "pulled",
		"name":   payload.Name,
		"size":   size,
	})
}

func (s *Server) handleSkillsSync(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		writeError(w, http.StatusServiceUnavailable, "skill sync not configured")
		return
	}

	writeJSON(w, http.StatusOK, s.skills.SyncAll(r.Context()))
}

// writeSkillError maps skill layer errors onto HTTP statuses.
func (s *Server) writeSkillError(w http.ResponseWriter, err error) {
	var unreachable *coordinator.UnreachableError
	var status *coordinator.StatusError
	switch {
	case errors.Is(err, contextdir.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, contextdir.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &unreachable):
		writeError(w, http.StatusServiceUnavailable, "failed to reach coordinator: "+err.Error())
	case errors.As(err, &status):
		writeError(w, status.Code, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
