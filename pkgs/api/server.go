package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	customcrypto "github.com/podium-protocol/confidential-records/pkgs/crypto"
	"github.com/podium-protocol/confidential-records/pkgs/deduplication"
	"github.com/podium-protocol/confidential-records/pkgs/identity"
	"github.com/podium-protocol/confidential-records/pkgs/lifecycle"
	"github.com/podium-protocol/confidential-records/pkgs/metrics"
	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const (
	// CallerHeader carries the address of the identity making the request.
	CallerHeader = "X-Caller-Address"
	// IdempotencyHeader lets clients mark a mutating request as single-use.
	IdempotencyHeader = "Idempotency-Key"
	// SignatureHeader and TimestampHeader prove control of the caller address
	// when signed requests are required.
	SignatureHeader = "X-Caller-Signature"
	TimestampHeader = "X-Caller-Timestamp"

	defaultMaxBodyBytes = 1 << 20
)

// Mirror is the read model served under /api/v1/mirror.
type Mirror interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (map[string]int64, error)
	Record(ctx context.Context, recordID uint64) (map[string]string, error)
	RecordIDsByState(ctx context.Context, state string) ([]uint64, error)
	DecryptionLog(ctx context.Context, recordID uint64) ([]string, error)
}

// Config wires the API server. Everything except Service is optional. With
// Identity set, any request naming a caller must be signed by it.
type Config struct {
	Service      *lifecycle.Service
	Mirror       Mirror
	Dedup        *deduplication.Deduplicator
	Identity     *identity.Verifier
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	MaxBodyBytes int64
}

// APIServer provides the HTTP surface of the record lifecycle
type APIServer struct {
	service      *lifecycle.Service
	mirror       Mirror
	dedup        *deduplication.Deduplicator
	identity     *identity.Verifier
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	maxBodyBytes int64
}

// NewAPIServer creates a new API server
func NewAPIServer(cfg Config) (*APIServer, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("api: lifecycle service is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &APIServer{
		service:      cfg.Service,
		mirror:       cfg.Mirror,
		dedup:        cfg.Dedup,
		identity:     cfg.Identity,
		metrics:      cfg.Metrics,
		gatherer:     cfg.Gatherer,
		maxBodyBytes: cfg.MaxBodyBytes,
	}, nil
}

// Router creates the HTTP router with all endpoints
func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	// API v1 routes
	api := r.PathPrefix("/api/v1").Subrouter()

	// Competition endpoints
	api.HandleFunc("/competitions", s.handleListCompetitions).Methods("GET")
	api.HandleFunc("/competitions", s.handleRegisterCompetition).Methods("POST")
	api.HandleFunc("/competitions/{id:[0-9]+}", s.handleGetCompetition).Methods("GET")
	api.HandleFunc("/competitions/{id:[0-9]+}/active", s.handleSetActive).Methods("PUT")
	api.HandleFunc("/competitions/{id:[0-9]+}/records", s.handleListRecords).Methods("GET")
	api.HandleFunc("/competitions/{id:[0-9]+}/records", s.handleSubmitRecord).Methods("POST")
	api.HandleFunc("/competitions/{id:[0-9]+}/records/encrypted", s.handleUploadRecord).Methods("POST")

	// Record endpoints
	api.HandleFunc("/records/{id:[0-9]+}", s.handleGetRecord).Methods("GET")
	api.HandleFunc("/records/{id:[0-9]+}/votes", s.handleGetVotes).Methods("GET")
	api.HandleFunc("/records/{id:[0-9]+}/votes", s.handleVote).Methods("POST")
	api.HandleFunc("/records/{id:[0-9]+}/revoke", s.handleRevoke).Methods("POST")
	api.HandleFunc("/records/{id:[0-9]+}/decrypt", s.handleDecrypt).Methods("POST")
	api.HandleFunc("/records/{id:[0-9]+}/certificate", s.handleGetRecordCertificate).Methods("GET")
	api.HandleFunc("/records/{id:[0-9]+}/certificate", s.handleIssueCertificate).Methods("POST")

	// Certificate endpoints
	api.HandleFunc("/certificates/{id:[0-9]+}", s.handleGetCertificate).Methods("GET")
	api.HandleFunc("/certificates/{id:[0-9]+}/transfer", s.handleTransfer).Methods("POST")
	api.HandleFunc("/owners/{address}/certificates", s.handleOwnerCertificates).Methods("GET")

	// Evidence endpoints
	api.HandleFunc("/evidence", s.handlePinEvidence).Methods("POST")
	api.HandleFunc("/evidence/{ref}", s.handleFetchEvidence).Methods("GET")

	// Mirror endpoints
	api.HandleFunc("/mirror/stats", s.handleMirrorStats).Methods("GET")
	api.HandleFunc("/mirror/records/{id:[0-9]+}", s.handleMirrorRecord).Methods("GET")
	api.HandleFunc("/mirror/records/{id:[0-9]+}/decryptions", s.handleMirrorDecryptions).Methods("GET")
	api.HandleFunc("/mirror/states/{state}", s.handleMirrorState).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	// Add middleware for metrics
	r.Use(s.metricsMiddleware)

	// Add CORS middleware
	r.Use(s.corsMiddleware)

	// Caller authentication, then replay protection for mutating requests
	api.Use(s.identityMiddleware)
	api.Use(s.dedupMiddleware)

	return r
}

// metricsMiddleware tracks API request metrics
func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		if s.metrics == nil {
			return
		}
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.QueryDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// corsMiddleware adds CORS headers
func (s *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", CallerHeader, IdempotencyHeader, SignatureHeader, TimestampHeader}, ", "))

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// identityMiddleware verifies that the caller named in CallerHeader signed the
// request. Requests without a caller pass through; handlers that need one
// reject them.
func (s *APIServer) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.identity == nil || r.Header.Get(CallerHeader) == "" {
			next.ServeHTTP(w, r)
			return
		}

		claimed, err := caller(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		sig, err := customcrypto.ParseSignature(r.Header.Get(SignatureHeader))
		if err != nil {
			s.writeError(w, protocol.Wrap(protocol.KindUnauthorized, "identity", err))
			return
		}
		ts, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
		if err != nil {
			s.writeError(w, protocol.E(protocol.KindUnauthorized, "identity", "invalid %s header", TimestampHeader))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
		if err != nil {
			s.writeError(w, protocol.Wrap(protocol.KindInvalidConfiguration, "identity", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		claim := &identity.RequestClaim{
			Caller:    claimed,
			Method:    r.Method,
			Path:      r.URL.Path,
			Body:      body,
			Timestamp: ts,
		}
		if _, err := s.identity.Verify(claim, sig); err != nil {
			log.WithError(err).WithField("caller", claimed.Hex()).Debug("Rejected request signature")
			s.writeError(w, protocol.Wrap(protocol.KindUnauthorized, "identity", err))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// dedupMiddleware rejects a mutating request whose Idempotency-Key was already
// used by the same caller on the same route. A key is released again when the
// request fails, so only effective requests consume it.
func (s *APIServer) dedupMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestKey := r.Header.Get(IdempotencyHeader)
		if s.dedup == nil || requestKey == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		key := s.dedup.GenerateKey(r.Header.Get(CallerHeader), r.URL.Path, requestKey)
		fresh, err := s.dedup.CheckAndMark(r.Context(), key)
		if err != nil {
			log.WithError(err).Warn("Deduplication check failed")
			s.writeError(w, protocol.Wrap(protocol.KindUnavailable, "dedup", err))
			return
		}
		if !fresh {
			writeStatusJSON(w, http.StatusConflict, map[string]interface{}{
				"error": "duplicate request",
				"kind":  "duplicate_request",
			})
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusBadRequest {
			if err := s.dedup.Release(context.Background(), key); err != nil {
				log.WithError(err).Warn("Failed to release deduplication key")
			}
		}
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

// StatusFor maps a protocol error kind to its HTTP status.
func StatusFor(err error) int {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError
	}
	switch perr.Kind {
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindUnauthorized:
		return http.StatusForbidden
	case protocol.KindInvalidConfiguration, protocol.KindInvalidCiphertext:
		return http.StatusBadRequest
	case protocol.KindCompetitionInactive, protocol.KindRecordNotPending, protocol.KindAlreadyVoted,
		protocol.KindRecordNotVerified, protocol.KindAlreadyIssued, protocol.KindInvalidTransition:
		return http.StatusConflict
	case protocol.KindAuthorizationExpired:
		return http.StatusGone
	case protocol.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := map[string]interface{}{"error": err.Error()}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		body["kind"] = perr.Kind.String()
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		body["error"] = "internal server error"
	}
	writeStatusJSON(w, status, body)
}

// writeJSON writes JSON response
func (s *APIServer) writeJSON(w http.ResponseWriter, data interface{}) {
	writeStatusJSON(w, http.StatusOK, data)
}

func writeStatusJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
	}
}

// caller returns the identity making the request. Mutating routes require it.
func caller(r *http.Request) (common.Address, error) {
	raw := strings.TrimSpace(r.Header.Get(CallerHeader))
	if raw == "" {
		return common.Address{}, protocol.E(protocol.KindUnauthorized, "caller", "missing %s header", CallerHeader)
	}
	addr, err := protocol.ParseAddress(raw)
	if err != nil {
		return common.Address{}, protocol.Wrap(protocol.KindInvalidConfiguration, "caller", err)
	}
	return addr, nil
}

func pathID(r *http.Request, name string) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, protocol.E(protocol.KindInvalidConfiguration, "path", "invalid %s %q", name, mux.Vars(r)[name])
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, protocol.E(protocol.KindInvalidConfiguration, "query", "invalid %s %q", name, raw)
	}
	return v, nil
}

func (s *APIServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return protocol.E(protocol.KindInvalidConfiguration, "decode", "empty request body")
		}
		return protocol.Wrap(protocol.KindInvalidConfiguration, "decode", err)
	}
	return nil
}
