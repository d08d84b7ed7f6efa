package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/caresync-rtc/internal/chat"
	"github.com/npezzotti/caresync-rtc/internal/database"
	"github.com/npezzotti/caresync-rtc/internal/server"
	"github.com/npezzotti/caresync-rtc/internal/types"
	"go.uber.org/zap"
)

type MarkReadResponse struct {
	Message string `json:"message"`
	Updated int64  `json:"updated"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

// writeError maps service errors to their HTTP form.
func (s *App) writeError(w http.ResponseWriter, err error) {
	var (
		valErr  *chat.ValidationError
		persErr *chat.PersistenceError
		errResp *ApiError
	)

	switch {
	case errors.As(err, &valErr), errors.Is(err, database.ErrInvalidCursor):
		errResp = NewValidationError(err)
	case errors.As(err, &persErr):
		s.log.Error("store failure", zap.String("op", persErr.Op), zap.Error(persErr.Err))
		errResp = NewInternalServerError(err)
	default:
		s.log.Error("unexpected error", zap.Error(err))
		errResp = NewInternalServerError(err)
	}

	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *App) identity(w http.ResponseWriter, r *http.Request) (types.Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
	return id, ok
}

func (s *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error("health check", zap.Error(err))
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *App) getHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var page database.Page

	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		page.Limit = limit
	}

	if c := r.URL.Query().Get("cursor"); c != "" {
		cursor, err := database.DecodeCursor(c)
		if err != nil {
			s.writeError(w, err)
			return
		}
		page.After = cursor
	}

	msgs, next, err := s.chat.History(r.Context(), id.UserId, r.PathValue("otherUserId"), page)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if next != "" {
		w.Header().Set(nextCursorHeader, next)
	}

	s.writeJson(w, http.StatusOK, msgs)
}

func (s *App) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var params chat.SendParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !params.SentBy(id) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.chat.SendMessage(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *App) unreadCountsForDoctor(w http.ResponseWriter, r *http.Request) {
	s.unreadCounts(w, r, r.PathValue("doctorId"), types.RoleDoctor)
}

func (s *App) unreadCountsForPatient(w http.ResponseWriter, r *http.Request) {
	s.unreadCounts(w, r, r.PathValue("patientId"), types.RolePatient)
}

func (s *App) unreadCounts(w http.ResponseWriter, r *http.Request, viewerId string, role types.Role) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	viewerId = types.NormalizeId(viewerId)
	if id.Role != types.RoleAdmin && (id.UserId != viewerId || id.Role != role) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	counts, err := s.chat.UnreadCounts(r.Context(), viewerId, role)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, counts)
}

func (s *App) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	n, err := s.chat.MarkRead(r.Context(), id.UserId, id.Role, r.PathValue("counterpartId"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, MarkReadResponse{
		Message: "Messages marked as read",
		Updated: n,
	})
}

func (s *App) notFound(w http.ResponseWriter, r *http.Request) {
	errResp := NewNotFoundError()
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	if s.cs.Closing() {
		w.Header().Set("Retry-After", "5")
		errResp := NewServiceUnavailableError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("error upgrading connection", zap.Error(err))
		return
	}

	if _, err := s.cs.Connect(conn, id); err != nil {
		if errors.Is(err, server.ErrShuttingDown) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"))
		}
		conn.Close()
	}
}
