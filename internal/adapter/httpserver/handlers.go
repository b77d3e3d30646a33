package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/TedBerlin/baguette-metro-sub000/internal/config"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
	obsctx "github.com/TedBerlin/baguette-metro-sub000/internal/observability"
	"github.com/TedBerlin/baguette-metro-sub000/internal/usecase"
)

// ReadinessCheck probes one backing service.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Chat   usecase.ChatService
	Advice usecase.AdviceService
	Checks []ReadinessCheck
}

// NewServer constructs the HTTP handlers over the chat and advice services.
func NewServer(cfg config.Config, chat usecase.ChatService, advice usecase.AdviceService, checks ...ReadinessCheck) *Server {
	return &Server{Cfg: cfg, Chat: chat, Advice: advice, Checks: checks}
}

// rejectNonJSON answers 406 when the client cannot accept JSON.
func rejectNonJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || strings.Contains(a, "*/*") || strings.Contains(a, "application/json") {
		return false
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a}}})
	return true
}

func (s *Server) chatRequest(w http.ResponseWriter, r *http.Request) (domain.ChatRequest, bool) {
	var req chatRequest
	if details, err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err, details)
		return domain.ChatRequest{}, false
	}
	return domain.ChatRequest{
		RequestID:      obsctx.RequestIDFromContext(r.Context()),
		Message:        req.Message,
		Language:       domain.Language(req.Language),
		AcceptLanguage: r.Header.Get("Accept-Language"),
	}, true
}

// ChatHandler answers a chat message through the provider chain. Provider
// failures never surface as errors: the reply then comes from the local fallback.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rejectNonJSON(w, r) {
			return
		}
		req, ok := s.chatRequest(w, r)
		if !ok {
			return
		}
		out, err := s.Chat.Reply(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// QuickReplyHandler answers from the canned responder only.
func (s *Server) QuickReplyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rejectNonJSON(w, r) {
			return
		}
		req, ok := s.chatRequest(w, r)
		if !ok {
			return
		}
		out, err := s.Chat.QuickReply(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// AdviceHandler returns travel advice for a route.
func (s *Server) AdviceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rejectNonJSON(w, r) {
			return
		}
		var req adviceRequest
		if details, err := decodeAndValidate(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		out, err := s.Advice.Advise(r.Context(), domain.AdviceRequest{
			RequestID:   obsctx.RequestIDFromContext(r.Context()),
			Origin:      req.Origin,
			Destination: req.Destination,
			ETA:         req.ETA,
			Distance:    req.Distance,
			Language:    domain.Language(req.Language),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ChatHealthHandler reports provider and cache state. It answers 200 even
// when degraded since chat keeps answering locally.
func (s *Server) ChatHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Chat.Health(r.Context()))
	}
}

// ChatInfoHandler describes languages, provider plans and intents.
func (s *Server) ChatInfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Chat.Info())
	}
}

// ResetProviderHandler clears a provider's backoff.
func (s *Server) ResetProviderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if name == "" {
			writeError(w, r, fmt.Errorf("%w: provider name missing", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Chat.ResetProvider(r.Context(), name); err != nil {
			writeError(w, r, err, map[string]string{"provider": name})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"provider": name, "status": "reset"})
	}
}

// FlushCacheHandler empties the response cache.
func (s *Server) FlushCacheHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Chat.FlushCache(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler runs every readiness check and answers 503 if one fails.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(s.Checks))
		ok := true
		for _, c := range s.Checks {
			if err := c.Check(ctx); err != nil {
				ok = false
				checks = append(checks, check{Name: c.Name, OK: false, Details: err.Error()})
				continue
			}
			checks = append(checks, check{Name: c.Name, OK: true})
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
