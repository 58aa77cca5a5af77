package api

import (
	"net/http"

	"github.com/fidde/otlp_usage_tracker/pkg/models"
	"github.com/go-chi/chi/v5"
)

// listSessions returns sessions, most recently seen first.
// GET /api/v1/sessions?user_id=&org_id=&limit=&offset=
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	filter := models.SessionFilter{
		UserID: r.URL.Query().Get("user_id"),
		OrgID:  r.URL.Query().Get("org_id"),
		Limit:  params.Limit,
		Offset: params.Offset,
	}

	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ListResponse{
		Data:   sessions,
		Count:  len(sessions),
		Limit:  params.Limit,
		Offset: params.Offset,
	})
}

// getSession returns one session.
// GET /api/v1/sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondLookupError(w, r, "session", err)
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

// listSessionMessages returns the messages of a session, oldest first.
// GET /api/v1/sessions/{id}/messages
func (s *Server) listSessionMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		s.respondLookupError(w, r, "session", err)
		return
	}

	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ListResponse{
		Data:  messages,
		Count: len(messages),
	})
}

// getMessage returns one message.
// GET /api/v1/messages/{id}
func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.store.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondLookupError(w, r, "message", err)
		return
	}
	s.respondJSON(w, http.StatusOK, msg)
}
