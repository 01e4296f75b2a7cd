// Package server exposes the pricing service over HTTP JSON endpoints and
// a websocket stream.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"diamond-pricer/internal/ml"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// MaxRequestBytes bounds a prediction request body or websocket frame.
	MaxRequestBytes = 64 * 1024

	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
	wsWriteWait  = 10 * time.Second
)

// RequestMetrics records transport-level counters.
type RequestMetrics interface {
	HTTPRequestInc(route string, code int)
	WebSocketConnectionsAdd(delta float64)
}

type noopRequestMetrics struct{}

func (noopRequestMetrics) HTTPRequestInc(string, int)      {}
func (noopRequestMetrics) WebSocketConnectionsAdd(float64) {}

// Config holds listener settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server routes HTTP and websocket traffic to an ml.Service.
type Server struct {
	svc      *ml.Service
	metrics  RequestMetrics
	upgrader websocket.Upgrader
	router   *mux.Router
	server   *http.Server
}

// New builds the router. A nil metrics value disables request metrics.
func New(svc *ml.Service, metrics RequestMetrics, cfg Config) *Server {
	if metrics == nil {
		metrics = noopRequestMetrics{}
	}
	s := &Server{
		svc:      svc,
		metrics:  metrics,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/model/info", s.handleModelInfo).Methods(http.MethodGet)
	r.HandleFunc("/admin/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/ws/predict", s.handleWebSocket).Methods(http.MethodGet)
	r.Use(s.countRequests)
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting prediction server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	kind, ok := ml.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case ml.KindSchemaViolation:
		return http.StatusBadRequest
	case ml.KindBundleUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	kind := "internal"
	if k, ok := ml.KindOf(err); ok {
		kind = k.String()
	}
	return ErrorResponse{Error: err.Error(), Kind: kind}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Diamonds Price Prediction API is online!"})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid request body: %v", err),
			Kind:  ml.KindSchemaViolation.String(),
		})
		return
	}

	res, err := s.svc.ServePrediction(r.Context(), raw)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Int("status", status).Msg("Prediction failed")
		} else {
			log.Debug().Err(err).Msg("Prediction rejected")
		}
		writeJSON(w, status, errorBody(err))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.svc.Health()

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// ModelInfo summarises the loaded bundle.
type ModelInfo struct {
	Name              string               `json:"name"`
	Version           string               `json:"version"`
	SchemaVersion     string               `json:"schema_version"`
	SchemaFingerprint string               `json:"schema_fingerprint"`
	CreatedAt         time.Time            `json:"created_at"`
	LoadedAt          time.Time            `json:"loaded_at"`
	Source            string               `json:"source"`
	Models            []ml.ModelSpec       `json:"models"`
	Columns           []string             `json:"columns"`
	Evaluation        *ml.EvaluationReport `json:"evaluation,omitempty"`
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	b := s.svc.Bundle()
	if b == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(&ml.Error{Kind: ml.KindBundleUnavailable, Err: ml.ErrBundleUnavailable}))
		return
	}

	m := b.Manifest()
	writeJSON(w, http.StatusOK, ModelInfo{
		Name:              m.Name,
		Version:           m.Version,
		SchemaVersion:     b.Transformer().SchemaVersion(),
		SchemaFingerprint: b.Transformer().SchemaFingerprint(),
		CreatedAt:         m.CreatedAt,
		LoadedAt:          b.LoadedAt(),
		Source:            b.Source(),
		Models:            m.Models,
		Columns:           b.Transformer().Columns(),
		Evaluation:        m.Evaluation,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reload(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Bundle reload failed")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: err.Error(),
			Kind:  ml.KindBundleUnavailable.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Health())
}

// handleWebSocket scores each text frame as one record and replies with a
// result or an ErrorResponse, in request order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	s.metrics.WebSocketConnectionsAdd(1)
	defer s.metrics.WebSocketConnectionsAdd(-1)

	conn.SetReadLimit(MaxRequestBytes)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("WebSocket connection closed unexpectedly")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		var reply any
		var raw map[string]any
		if err := json.Unmarshal(msg, &raw); err != nil {
			reply = ErrorResponse{Error: fmt.Sprintf("invalid message: %v", err), Kind: ml.KindSchemaViolation.String()}
		} else if res, err := s.svc.ServePrediction(r.Context(), raw); err != nil {
			reply = errorBody(err)
		} else {
			reply = res
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(reply); err != nil {
			log.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// countRequests records one request per matched route and status code.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.HTTPRequestInc(route, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
