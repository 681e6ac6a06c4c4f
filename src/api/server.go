// Package api serves the detection engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/Abhi270303/RugLens/src/detection"
	"github.com/Abhi270303/RugLens/src/metrics"
)

const maxBodyBytes = 8 << 20

// Enricher completes a request with chain data before detection.
// *chain.Fetcher implements it.
type Enricher interface {
	Enrich(ctx context.Context, req *detection.DetectionRequest) (*detection.DetectionRequest, error)
}

type Options struct {
	Engine      *detection.Engine
	Enricher    Enricher
	Metrics     *metrics.DetectorMetrics
	Gatherer    prometheus.Gatherer
	CORSOrigins []string
}

// DetectionResponse echoes the request identity next to the verdict.
type DetectionResponse struct {
	RequestID    string `json:"requestId"`
	ChainID      int64  `json:"chainId"`
	Hash         string `json:"hash"`
	ProtocolName string `json:"protocolName,omitempty"`
	Address      string `json:"address,omitempty"`
	detection.DetectionResult
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

type Server struct {
	engine   atomic.Pointer[detection.Engine]
	enricher Enricher
	metrics  *metrics.DetectorMetrics
	handler  http.Handler
}

func NewServer(opts Options) *Server {
	s := &Server{
		enricher: opts.Enricher,
		metrics:  opts.Metrics,
	}
	engine := opts.Engine
	if engine == nil {
		engine = detection.New(nil)
	}
	s.engine.Store(engine)

	r := mux.NewRouter()
	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/catalog", s.handleCatalog).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.Use(s.instrument)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
	return s
}

// SetEngine swaps the engine used by subsequent requests.
func (s *Server) SetEngine(e *detection.Engine) {
	if e != nil {
		s.engine.Store(e)
	}
}

func (s *Server) Engine() *detection.Engine {
	return s.engine.Load()
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("Detection API listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := uuid.NewString()

	var req detection.DetectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		log.Debug("Rejected detection request", "id", id, "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), RequestID: id})
		return
	}

	full := &req
	if s.enricher != nil {
		enriched, err := s.enricher.Enrich(r.Context(), &req)
		if err != nil {
			log.Warn("Failed to fetch chain data", "id", id, "err", err)
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), RequestID: id})
			return
		}
		full = enriched
	}

	detectStart := time.Now()
	res := s.engine.Load().Detect(full)
	s.metrics.ObserveResult(res, time.Since(detectStart))

	log.Info("Detection served", "id", id, "chainid", req.ChainID, "hash", req.Hash,
		"detected", res.Detected, "findings", len(res.Findings), "elapsed", common.PrettyDuration(time.Since(start)))

	writeJSON(w, http.StatusOK, DetectionResponse{
		RequestID:       id,
		ChainID:         req.ChainID,
		Hash:            req.Hash,
		ProtocolName:    req.ProtocolName,
		Address:         req.Address,
		DetectionResult: res,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Load().Catalog().Signatures())
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics == nil {
			return
		}
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "err", err)
	}
}
