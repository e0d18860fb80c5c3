// Package httpapi exposes the interception agent as a local HTTP surface:
// the UI points its requests at the proxy path, and operator tooling drives
// the control endpoints and the websocket event channel.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/offlinecache/internal/offlinecache"
)

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	agent  *offlinecache.Agent
	hub    *EventHub
	cfg    ServerConfig
	logger offlinecache.Logger
}

func NewServer(agent *offlinecache.Agent, hub *EventHub, logger offlinecache.Logger) *Server {
	return NewServerWithConfig(agent, hub, logger, ServerConfig{})
}

func NewServerWithConfig(agent *offlinecache.Agent, hub *EventHub, logger offlinecache.Logger, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if hub == nil {
		hub = NewEventHub()
	}
	return &Server{agent: agent, hub: hub, cfg: cfg, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/agent/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/agent/skip-wait" && r.Method == http.MethodPost:
		s.handleSkipWait(w, r)
	case r.URL.Path == "/v1/agent/clear-all" && r.Method == http.MethodPost:
		s.handleClearAll(w, r)
	case r.URL.Path == "/v1/agent/flush" && r.Method == http.MethodPost:
		s.handleFlush(w, r)
	case r.URL.Path == "/v1/agent/mutations" && r.Method == http.MethodPost:
		s.handleMutation(w, r)
	case r.URL.Path == "/v1/agent/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	default:
		s.handleProxy(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      s.agent.State(),
		"version":    s.agent.Version(),
		"namespaces": s.agent.Namespaces(),
		"queueDepth": s.agent.QueueDepth(),
	})
}

func (s *Server) handleSkipWait(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.SkipWaiting(r.Context()); err != nil {
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.agent.State()})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	s.agent.ClearAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": s.agent.Namespaces()})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	outcomes := s.agent.OnConnectivityRestored(r.Context())
	if outcomes == nil {
		outcomes = []offlinecache.FlushOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes":   outcomes,
		"queueDepth": s.agent.QueueDepth(),
	})
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req offlinecache.MutationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid mutation payload")
		return
	}
	receipt, err := s.agent.RecordMutation(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, offlinecache.ErrReplayRejected):
			writeError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
		case errors.Is(err, offlinecache.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
		case errors.Is(err, offlinecache.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	status := http.StatusOK
	if !receipt.DeliveredNow {
		status = http.StatusAccepted
	}
	writeJSON(w, status, receipt)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local control channel, same machine
	})
	if err != nil {
		s.logf("websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	events, cancel := s.hub.subscribe()
	defer cancel()

	// Reader side: control frames delivered asynchronously over the socket.
	go func() {
		for {
			var frame struct {
				Action string `json:"action"`
			}
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				return
			}
			switch frame.Action {
			case "skip-wait":
				if err := s.agent.SkipWaiting(ctx); err != nil {
					s.logf("skip-wait via socket: %v", err)
				}
			case "clear-all":
				s.agent.ClearAll(ctx)
			case "flush":
				s.agent.OnConnectivityRestored(ctx)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	identity := offlinecache.RequestIdentity{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
	}
	var result offlinecache.Result
	if identity.Cacheable() {
		result = s.agent.Intercept(r.Context(), identity, r.Header)
	} else {
		body, ok := s.readRequestBody(w, r)
		if !ok {
			return
		}
		result = s.agent.Passthrough(r.Context(), identity, r.Header, body)
	}
	for key, values := range result.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.Header().Set("X-Offlinecache-Source", result.Source)
	if result.OpID != "" {
		w.Header().Set("X-Offlinecache-Op-Id", result.OpID)
	}
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large",
			"request body exceeds "+strconv.FormatInt(s.cfg.MaxBodyBytes, 10)+" bytes")
		return nil, false
	}
	return body, true
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
