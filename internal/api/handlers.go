package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/messaging"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/BTreeMap/TriagePipe/internal/triage"
	"github.com/google/uuid"
)

// TurnRequest is the body of POST /threads/{id}/turns.
type TurnRequest struct {
	Text        string           `json:"text"`
	ImageBase64 string           `json:"image_base64,omitempty"`
	Location    *models.Location `json:"location,omitempty"`
}

// ThreadResponse is the result of POST /threads.
type ThreadResponse struct {
	ThreadID string `json:"thread_id"`
	Welcome  string `json:"welcome"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success("ok"))
}

func (s *Server) createThreadHandler(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	slog.Info("Server.createThreadHandler: thread created", "threadID", id)
	writeJSONResponse(w, http.StatusCreated, models.Success(ThreadResponse{
		ThreadID: id,
		Welcome:  messaging.WelcomeMessage(true),
	}))
}

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	var req TurnRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var image []byte
	if req.ImageBase64 != "" {
		var err error
		image, err = decodeImage(req.ImageBase64)
		if err != nil {
			slog.Warn("Server.turnHandler: invalid image", "threadID", threadID, "error", err)
			writeError(w, http.StatusBadRequest, "Invalid image: "+err.Error())
			return
		}
	}

	reply, err := s.engine.ProcessTurn(r.Context(), models.Turn{
		ThreadID: threadID,
		Text:     req.Text,
		Image:    image,
		Location: req.Location,
	})
	if err != nil {
		writeEngineError(w, "Server.turnHandler", threadID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

func (s *Server) locationHandler(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	var loc models.Location
	if !decodeJSON(w, r, &loc) {
		return
	}
	if err := s.engine.SetLocation(r.Context(), threadID, loc); err != nil {
		writeEngineError(w, "Server.locationHandler", threadID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Location saved", nil))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	msgs, err := s.engine.History(r.Context(), threadID)
	if err != nil {
		writeEngineError(w, "Server.historyHandler", threadID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	if err := s.engine.Reset(r.Context(), threadID); err != nil {
		writeEngineError(w, "Server.resetHandler", threadID, err)
		return
	}
	slog.Info("Server.resetHandler: thread reset", "threadID", threadID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Thread reset", nil))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		slog.Warn("Server.decodeJSON: failed to decode JSON", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return false
	}
	return true
}

// decodeImage accepts plain base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len(";base64,"):]
	}
	img, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(img) > models.MaxImageBytes {
		return nil, models.ErrImageTooLarge
	}
	return img, nil
}

// writeEngineError maps engine errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, op, threadID string, err error) {
	switch {
	case triage.IsKind(err, triage.KindConfiguration):
		slog.Warn(op+": invalid request", "threadID", threadID, "error", err)
		msg := err.Error()
		var te *triage.Error
		if errors.As(err, &te) && te.Err != nil {
			msg = te.Err.Error()
		}
		writeError(w, http.StatusBadRequest, msg)
	case errors.Is(err, store.ErrThreadNotFound):
		writeError(w, http.StatusNotFound, "Thread not found")
	default:
		slog.Error(op+": engine failure", "threadID", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
