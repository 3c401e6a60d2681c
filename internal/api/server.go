package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"oracle-price-feeds/internal/query"
)

// Options configure the read endpoint.
type Options struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes the standardized data-point reads over HTTP. The read path
// never aborts: unsupported identifiers and missing values are ordinary
// status codes in the response body.
type Server struct {
	registry *query.Registry
	logger   zerolog.Logger
	srv      *http.Server
}

// valueResponse mirrors the (value, timestamp, status) read contract.
type valueResponse struct {
	ID        string `json:"id"`
	Value     int64  `json:"value"`
	Timestamp uint64 `json:"timestamp"`
	Status    uint16 `json:"status"`
}

// feedInfo is the publicly readable state of a configured feed.
type feedInfo struct {
	Caption          string `json:"caption"`
	QueryID          string `json:"query_id"`
	Decimals         int32  `json:"decimals"`
	LastValue        uint64 `json:"last_value"`
	LastTimestamp    uint64 `json:"last_timestamp"`
	Pending          bool   `json:"pending"`
	PendingRequestID uint64 `json:"pending_request_id,omitempty"`
}

// NewServer constructs the HTTP read surface.
func NewServer(opts Options, registry *query.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		registry: registry,
		logger:   logger.With().Str("component", "api").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/value/{id}", s.handleValueFor).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/feeds", s.handleListFeeds).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         opts.ListenAddr,
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleValueFor(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]

	// A malformed identifier cannot name any feed; it gets the same
	// unsupported-identifier answer as a well-formed unknown one.
	var id common.Hash
	if len(raw) == 2*common.HashLength || (len(raw) == 2*common.HashLength+2 && raw[:2] == "0x") {
		id = common.HexToHash(raw)
	}

	value, timestamp, status := s.registry.ValueFor(id)
	writeJSON(w, s.logger, valueResponse{
		ID:        id.Hex(),
		Value:     value,
		Timestamp: timestamp,
		Status:    status,
	})
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := s.registry.Feeds()
	out := make([]feedInfo, 0, len(feeds))
	for _, f := range feeds {
		snap := f.Snapshot()
		out = append(out, feedInfo{
			Caption:          f.Caption(),
			QueryID:          f.QueryID().Hex(),
			Decimals:         f.Decimals(),
			LastValue:        snap.LastValue,
			LastTimestamp:    snap.LastTimestamp,
			Pending:          snap.Pending,
			PendingRequestID: uint64(snap.PendingRequestID),
		})
	}
	writeJSON(w, s.logger, out)
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}
