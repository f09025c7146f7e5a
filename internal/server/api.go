package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/insight"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// startRequest is the JSON body of POST /api/sessions.
type startRequest struct {
	Title string `json:"title"`
}

// startResponse is returned from POST /api/sessions.
type startResponse struct {
	ID string `json:"id"`
}

// queryRequest is the JSON body of POST /api/query.
type queryRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// titleResponse is returned from POST /api/sessions/{id}/title.
type titleResponse struct {
	Title   string        `json:"title"`
	Session types.Session `json:"session"`
}

// refreshResponse is returned from POST /api/sessions/{id}/insights/refresh.
// Card is null when the tick found nothing new.
type refreshResponse struct {
	Card *types.InsightCard `json:"card"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.deps.Sessions.Start(r.Context(), req.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{ID: id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.End(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	cards, ok := s.cards(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	cards, ok := s.cards(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, insight.Artifacts(cards))
}

// cards loads the insight cards of the session named in the path, writing
// the error response itself when it fails.
func (s *Server) cards(w http.ResponseWriter, r *http.Request) ([]types.InsightCard, bool) {
	id := r.PathValue("id")
	if _, err := s.deps.Sessions.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return nil, false
	}
	cards, err := s.deps.Cards.Insights(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if cards == nil {
		cards = []types.InsightCard{}
	}
	return cards, true
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	chunks, ok := s.transcript(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chunks)
}

func (s *Server) transcript(w http.ResponseWriter, r *http.Request) ([]types.TranscriptChunk, bool) {
	id := r.PathValue("id")
	if _, err := s.deps.Sessions.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return nil, false
	}
	chunks, err := s.deps.Transcripts.Transcript(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if chunks == nil {
		chunks = []types.TranscriptChunk{}
	}
	return chunks, true
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Titler == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "title generation requires a language model"})
		return
	}
	chunks, ok := s.transcript(w, r)
	if !ok {
		return
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	title, err := s.deps.Titler.Title(r.Context(), strings.Join(texts, " "))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.SetTitle(r.Context(), r.PathValue("id"), title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, titleResponse{Title: sess.Title, Session: sess})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Insights == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "insights require a language model"})
		return
	}
	card, err := s.deps.Insights.Trigger(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Card: card})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	ans, err := s.deps.Answers.Answer(r.Context(), req.SessionID, req.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// decodeBody decodes a JSON request body into v. An empty body is accepted
// when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	default:
		return fault.PermanentInput("server: decode body", err)
	}
}

// writeError maps err through the fault taxonomy. Server-side failures are
// logged; client errors are not.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	} else {
		observe.Logger(r.Context()).Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response", "err", err)
	}
}
