package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	nhbstate "rentalescrow/core/state"
	"rentalescrow/native/bank"
	"rentalescrow/native/nft"
	"rentalescrow/native/rental"
	"rentalescrow/observability/metrics"
	telemetry "rentalescrow/observability/otel"
	"rentalescrow/services/journal"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	requestIDHeader = "X-Request-ID"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeForbidden      = -32003
	codeRateLimited    = -32020
)

// Deps are the components served over RPC. Journal and Events may be nil.
type Deps struct {
	State    *nhbstate.Manager
	Engine   *rental.Engine
	Ledger   *bank.Ledger
	Registry *nft.Registry
	Journal  *journal.Journal
	Events   *EventStream
}

// ServerConfig carries the transport policy of the server.
type ServerConfig struct {
	Auth      AuthConfig
	RateLimit RateLimit
	// DevMode exposes bank_credit and nft_mint.
	DevMode bool
}

type Server struct {
	deps    Deps
	cfg     ServerConfig
	auth    *authenticator
	limiter *rateLimiter
	logger  *slog.Logger
	metrics *metrics.RPCMetrics
	methods map[string]methodHandler

	httpServer *http.Server
}

type methodHandler func(r *http.Request, req *RPCRequest) (interface{}, *RPCError)

func NewServer(deps Deps, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if deps.State == nil || deps.Engine == nil || deps.Ledger == nil || deps.Registry == nil {
		return nil, errors.New("rpc: state, engine, ledger and registry are required")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return nil, errors.New("rpc: auth enabled without HMAC secret")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		auth:    newAuthenticator(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  logger.With(slog.String("component", "rpc")),
		metrics: metrics.RPC(),
	}
	s.methods = map[string]methodHandler{
		"rental_open":               s.handleRentalOpen,
		"rental_get":                s.handleRentalGet,
		"rental_depositAsset":       s.handleRentalDepositAsset,
		"rental_depositFunds":       s.handleRentalDepositFunds,
		"rental_withdrawAsset":      s.handleRentalWithdrawAsset,
		"rental_withdrawFunds":      s.handleRentalWithdrawFunds,
		"rental_returnAsset":        s.handleRentalReturnAsset,
		"rental_withdrawCollateral": s.handleRentalWithdrawCollateral,
		"rental_history":            s.handleRentalHistory,
		"bank_balance":              s.handleBankBalance,
		"nft_ownerOf":               s.handleNFTOwnerOf,
		"nft_approve":               s.handleNFTApprove,
	}
	if cfg.DevMode {
		s.methods["bank_credit"] = s.handleBankCredit
		s.methods["nft_mint"] = s.handleNFTMint
	}
	return s, nil
}

// Handler returns the HTTP surface: JSON-RPC on POST /, liveness on
// /healthz, Prometheus metrics on /metrics and the event stream on
// /ws/rental.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/rental", s.handleRentalWS)
	r.Post("/", s.handle)
	return otelhttp.NewHandler(r, "rentald.rpc")
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting JSON-RPC server", slog.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	if e.Data != nil {
		return fmt.Sprintf("%s (%d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// httpStatus maps an RPC error code onto the HTTP status of the response.
func httpStatus(code int) int {
	switch code {
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeForbidden, codeRentalForbidden:
		return http.StatusForbidden
	case codeRateLimited:
		return http.StatusTooManyRequests
	case codeMethodNotFound, codeRentalNotFound:
		return http.StatusNotFound
	case codeRentalConflict:
		return http.StatusConflict
	case codeRentalUnavailable:
		return http.StatusServiceUnavailable
	case codeServerError, codeRentalInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)
	w.Header().Set("Content-Type", "application/json")

	if !s.limiter.allow(clientID(r)) {
		s.metrics.RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()
	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	ctx, span := telemetry.Tracer().Start(r.Context(), req.Method)
	defer span.End()
	span.SetAttributes(
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.request_id", requestID),
	)

	code := 0
	metricMethod := req.Method
	handler, ok := s.methods[req.Method]
	if !ok {
		metricMethod = "unknown"
		code = codeMethodNotFound
		writeError(w, http.StatusNotFound, req.ID, code, "method not found", req.Method)
	} else {
		result, rpcErr := handler(r.WithContext(ctx), req)
		if rpcErr != nil {
			code = rpcErr.Code
			span.SetStatus(codes.Error, rpcErr.Message)
			writeError(w, httpStatus(rpcErr.Code), req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		} else {
			writeResult(w, req.ID, result)
		}
	}
	s.metrics.Observe(metricMethod, code, time.Since(started))
	s.logger.Debug("rpc request",
		slog.String("method", req.Method),
		slog.String("requestId", requestID),
		slog.Int("code", code),
		slog.Duration("duration", time.Since(started)),
	)
}

func singleParam(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: "exactly one parameter object expected"}
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	return nil
}
