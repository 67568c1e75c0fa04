// Package api exposes the transport over HTTP/JSON and a websocket event
// stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"xcom-meshd/internal/config"
	"xcom-meshd/internal/directory"
	"xcom-meshd/internal/linkerr"
	"xcom-meshd/internal/transport"
)

// RequestTimeout bounds every route except the event stream.
const RequestTimeout = 30 * time.Second

// Server holds handler dependencies.
type Server struct {
	t   *transport.Facade
	log *zap.Logger
}

func NewServer(t *transport.Facade, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{t: t, log: log}
}

// Routes mounts /health and everything under /api/v1 on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived, so outside the request timeout.
		r.Get("/events", s.events)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))

			r.Get("/state", s.getState)
			r.Get("/status", s.getStatus)
			r.Get("/config", s.getConfig)
			r.Put("/config", s.putConfig)
			r.Post("/connect", s.connect)
			r.Post("/disconnect", s.disconnect)
			r.Post("/send", s.send)

			r.Get("/traffic", s.getTraffic)
			r.Delete("/traffic", s.clearTraffic)

			r.Get("/nodes", s.getNodes)
			r.Delete("/nodes", s.clearNodes)

			r.Route("/channels/{family}", func(r chi.Router) {
				r.Use(requireFamily)
				r.Get("/", s.getChannels)
				r.Delete("/", s.clearChannels)
				r.Post("/query", s.queryChannels)
				r.Post("/import", s.importChannels)
			})

			r.Get("/dm-unread", s.getDmUnread)
			r.Delete("/dm-unread", s.clearDmUnread)
			r.Post("/dm-unread/{peer}/read", s.markDmRead)
		})
	})
}

// Handler returns a router with Routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.Routes(r)
	return r
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"error": message,
		"code":  status,
	})
}

func successResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": message,
	})
}

// linkError maps a link error onto an HTTP status. The body carries the
// same text the traffic log shows.
func linkError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch linkerr.KindOf(err) {
	case linkerr.KindNotConnected:
		status = http.StatusConflict
	case linkerr.KindDeviceUnavailable:
		status = http.StatusServiceUnavailable
	case linkerr.KindTimeout:
		status = http.StatusGatewayTimeout
	case linkerr.KindMalformed:
		status = http.StatusBadRequest
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	errorResponse(w, status, linkerr.Format(err))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func requireFamily(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !slices.Contains(config.Families, chi.URLParam(r, "family")) {
			errorResponse(w, http.StatusNotFound, "unknown family: "+chi.URLParam(r, "family"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.t.Status()
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "xcom-meshd",
		"connected": st.Connected,
	})
}

// ============================================================================
// Connection and config
// ============================================================================

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.t.State())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.t.Status())
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.t.Config())
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var p config.Patch
	if !decodeBody(w, r, &p) {
		return
	}
	cfg, err := s.t.SetConfig(p)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, cfg)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	info, err := s.t.Connect(r.Context())
	if err != nil {
		linkError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"device": info,
		"status": s.t.Status(),
	})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.t.Disconnect()
	successResponse(w, "disconnected")
}

// SendRequest is the body of POST /send. Destination wins over the
// shorthand fields; Target alone means a direct message and Channel alone a
// channel broadcast. With none of them the configured default applies.
type SendRequest struct {
	Text        string              `json:"text"`
	Destination *config.Destination `json:"destination,omitempty"`
	Channel     *int                `json:"channel,omitempty"`
	Target      string              `json:"target,omitempty"`
}

func (req SendRequest) destination() *config.Destination {
	switch {
	case req.Destination != nil:
		return req.Destination
	case req.Target != "":
		return &config.Destination{Mode: config.ModeDirect, Target: req.Target}
	case req.Channel != nil:
		return &config.Destination{Mode: config.ModeBroadcast, Channel: *req.Channel}
	}
	return nil
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		errorResponse(w, http.StatusBadRequest, "text required")
		return
	}
	res, err := s.t.SendText(r.Context(), req.Text, req.destination())
	if err != nil {
		linkError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// ============================================================================
// Directories
// ============================================================================

func (s *Server) getTraffic(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errorResponse(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		limit = n
	}
	jsonResponse(w, http.StatusOK, map[string]any{"entries": nonNil(s.t.TrafficLog(limit))})
}

func (s *Server) clearTraffic(w http.ResponseWriter, r *http.Request) {
	s.t.ClearTrafficLog()
	successResponse(w, "traffic log cleared")
}

func (s *Server) getNodes(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{"nodes": nonNil(s.t.Nodes())})
}

func (s *Server) clearNodes(w http.ResponseWriter, r *http.Request) {
	s.t.ClearNodes()
	successResponse(w, "nodes cleared")
}

func (s *Server) getChannels(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	jsonResponse(w, http.StatusOK, map[string]any{"family": family, "channels": nonNil(s.t.Channels(family))})
}

func (s *Server) clearChannels(w http.ResponseWriter, r *http.Request) {
	s.t.ClearChannels(chi.URLParam(r, "family"))
	successResponse(w, "channels cleared")
}

// queryChannels asks the connected radio; it only applies to the family
// that is connected.
func (s *Server) queryChannels(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	if st := s.t.Status(); st.Family != family {
		errorResponse(w, http.StatusConflict, "active family is "+st.Family)
		return
	}
	chans, err := s.t.QueryChannels(r.Context())
	if err != nil {
		linkError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"family": family, "channels": nonNil(chans)})
}

func (s *Server) importChannels(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channels []directory.ChannelRecord `json:"channels"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	family := chi.URLParam(r, "family")
	jsonResponse(w, http.StatusOK, map[string]any{"family": family, "channels": s.t.ImportChannels(family, body.Channels)})
}

func (s *Server) getDmUnread(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{"peers": s.t.DmUnread()})
}

func (s *Server) clearDmUnread(w http.ResponseWriter, r *http.Request) {
	s.t.ClearDmUnread()
	successResponse(w, "unread counts cleared")
}

func (s *Server) markDmRead(w http.ResponseWriter, r *http.Request) {
	peer := chi.URLParam(r, "peer")
	if !s.t.MarkDmRead(peer) {
		errorResponse(w, http.StatusNotFound, "no unread messages from "+peer)
		return
	}
	successResponse(w, "marked read")
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
