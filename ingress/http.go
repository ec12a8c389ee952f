// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Vote Ingress HTTP surface

package ingress

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

// Server exposes Ingress over HTTP per spec.md §6: POST /vote and
// GET / (liveness). CORS and a per-IP token bucket are handled by
// github.com/rs/cors and golang.org/x/time/rate respectively, the
// same libraries the rest of the pack's HTTP-facing services use
// instead of hand-rolled middleware.
type Server struct {
	ingress *Ingress
	handler http.Handler

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	rps        rate.Limit
	burst      int

	denylistMu sync.RWMutex
	denylist   map[string]struct{}
}

// NewServer wraps ig in an HTTP surface allowing allowedOrigins via
// CORS and at most rps requests per second per remote IP (burst
// requests allowed instantaneously).
func NewServer(ig *Ingress, allowedOrigins []string, rps float64, burst int) *Server {
	s := &Server{
		ingress:  ig,
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		denylist: make(map[string]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/vote", s.handleVote)
	mux.HandleFunc("/", s.handleAlive)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.handler = s.withRequestID(s.withDenylist(s.withRateLimit(c.Handler(mux))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// Deny adds ip to the deny-list; future requests from it are rejected
// with 403 before ever reaching the ingress pipeline.
func (s *Server) Deny(ip string) {
	s.denylistMu.Lock()
	s.denylist[ip] = struct{}{}
	s.denylistMu.Unlock()
}

func (s *Server) withDenylist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		s.denylistMu.RLock()
		_, denied := s.denylist[ip]
		s.denylistMu.RUnlock()
		if denied {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if !s.limiterFor(ip).Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[ip] = l
	}
	return l
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		log.Debug("vote ingress request", "request_id", reqID, "remote", remoteIP(r), "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// handleAlive answers GET / with the liveness string spec.md §6 names.
func (s *Server) handleAlive(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

// handleVote answers POST /vote per spec.md §4.E/§6: accepted votes
// get 200, every user_error (bad payload, signature, unknown event,
// not registered, outside window) gets 400, and a store/chain failure
// gets 500.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload VotePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed vote payload", http.StatusBadRequest)
		return
	}

	status, err := s.ingress.Ingest(r.Context(), payload)
	if err != nil {
		log.Error("vote ingestion failed", "event", payload.Data.TaskID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch status {
	case Accepted:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status.String()})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
