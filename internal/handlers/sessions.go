package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dr-api/internal/analysis"
)

const (
	maxSessions       = 256
	DefaultSessionTTL = 15 * time.Minute
)

var (
	errSessionNotFound = errors.New("session not found")
	errTooManySessions = errors.New("too many open sessions")
)

type session struct {
	ctrl     *analysis.Controller
	lastSeen time.Time
}

type sessionResponse struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	RequestID string            `json:"request_id,omitempty"`
	Filename  string            `json:"filename,omitempty"`
	Result    *analysisResponse `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func newSessionResponse(id string, state analysis.State) sessionResponse {
	resp := sessionResponse{
		ID:        id,
		State:     state.Kind.String(),
		RequestID: state.RequestID,
		Filename:  state.Filename,
	}
	if state.Result != nil {
		result := newAnalysisResponse(*state.Result)
		resp.Result = &result
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
	}
	return resp
}

// session looks up the slot named in the URL and marks it as used.
func (h *Handler) session(r *http.Request) (string, *analysis.Controller, error) {
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[id]
	if !ok {
		return id, nil, errSessionNotFound
	}
	s.lastSeen = h.now()
	return id, s.ctrl, nil
}

// StartReaper closes sessions nobody has touched for ttl. It runs until
// Close.
func (h *Handler) StartReaper(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	h.mu.Lock()
	h.sessionTTL = ttl
	h.mu.Unlock()

	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.reapIdle()
			case <-h.done:
				return
			}
		}
	}()
}

// reapIdle closes every session idle for longer than the TTL and returns how
// many it closed.
func (h *Handler) reapIdle() int {
	h.mu.Lock()
	cutoff := h.now().Add(-h.sessionTTL)
	var expired []*analysis.Controller
	for id, s := range h.sessions {
		if s.lastSeen.Before(cutoff) {
			expired = append(expired, s.ctrl)
			delete(h.sessions, id)
			h.logger.Info("session expired", zap.String("session_id", id))
		}
	}
	h.mu.Unlock()

	for _, c := range expired {
		c.Close()
	}
	return len(expired)
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	full := len(h.sessions) >= maxSessions
	h.mu.Unlock()
	if full {
		h.reapIdle()
	}

	h.mu.Lock()
	if len(h.sessions) >= maxSessions {
		h.mu.Unlock()
		h.writeError(w, errTooManySessions)
		return
	}
	id := uuid.New().String()
	c := analysis.NewController(h.provider, h.interp, nil, h.logger.With(zap.String("session_id", id)))
	h.sessions[id] = &session{ctrl: c, lastSeen: h.now()}
	h.mu.Unlock()

	h.logger.Info("session created", zap.String("session_id", id))
	writeJSON(w, http.StatusCreated, newSessionResponse(id, c.State()))
}

// GetSession returns the slot's current state. With ?wait=true it first
// blocks until the in-flight analysis settles or the client goes away.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, c, err := h.session(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	state := c.State()
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait && state.Kind == analysis.Analyzing {
		// A superseded wait still reports whatever replaced it.
		settled, err := c.Wait(r.Context(), state.RequestID)
		if err != nil && !errors.Is(err, analysis.ErrSuperseded) {
			h.writeError(w, err)
			return
		}
		state = settled
	}

	writeJSON(w, http.StatusOK, newSessionResponse(id, state))
}

// SubmitImage validates the upload synchronously, then hands it to the
// session's controller, cancelling any analysis still in flight.
func (h *Handler) SubmitImage(w http.ResponseWriter, r *http.Request) {
	id, c, err := h.session(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	img, err := h.readImage(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	requestID, err := c.Submit(img)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, sessionResponse{
		ID:        id,
		State:     analysis.Analyzing.String(),
		RequestID: requestID,
		Filename:  img.Filename,
	})
}

func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	id, c, err := h.session(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	c.Reset()
	writeJSON(w, http.StatusOK, newSessionResponse(id, c.State()))
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if !ok {
		h.writeError(w, errSessionNotFound)
		return
	}
	s.ctrl.Close()

	h.logger.Info("session closed", zap.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// Close stops the reaper and every open session.
func (h *Handler) Close() {
	h.stop.Do(func() { close(h.done) })

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.ctrl.Close()
	}
}
