package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"verto/core"
	"verto/observability"
)

const (
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	txSeenTTL              = 15 * time.Minute
	limiterIdleTTL         = 10 * time.Minute
)

// ServerConfig tunes the JSON-RPC listener.
type ServerConfig struct {
	// AuthToken guards verto_sendTransaction. Empty disables the check.
	AuthToken          string
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
	TrustProxyHeaders  bool
	TrustedProxies     []string
	ReadHeaderTimeout  time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	TLSCertFile        string
	TLSKeyFile         string
	Logger             *slog.Logger
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server exposes the node over JSON-RPC, a websocket event stream and a
// Prometheus endpoint.
type Server struct {
	node   *core.Node
	cfg    ServerConfig
	logger *slog.Logger

	mu             sync.Mutex
	txSeen         map[string]time.Time
	limiters       map[string]*sourceLimiter
	trustedProxies map[string]struct{}

	serverMu   sync.Mutex
	httpServer *http.Server
}

// NewServer wires a server for node.
func NewServer(node *core.Node, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxRequestBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		if trimmed := strings.TrimSpace(proxy); trimmed != "" {
			trusted[trimmed] = struct{}{}
		}
	}
	return &Server{
		node:           node,
		cfg:            cfg,
		logger:         logger.With(slog.String("component", "rpc")),
		txSeen:         make(map[string]time.Time),
		limiters:       make(map[string]*sourceLimiter),
		trustedProxies: trusted,
	}
}

// Handler returns the HTTP routes served by the node.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "height": s.node.GetHeight()})
	})
	return mux
}

// Serve accepts connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()

	s.logger.Info("serving JSON-RPC", slog.String("addr", listener.Addr().String()), slog.Bool("tls", s.cfg.TLSCertFile != ""))
	var err error
	if s.cfg.TLSCertFile != "" {
		err = srv.ServeTLS(listener, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		err = srv.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
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
	if result == nil {
		// Encode an explicit null rather than omitting the member.
		_ = json.NewEncoder(w).Encode(struct {
			JSONRPC string      `json:"jsonrpc"`
			ID      interface{} `json:"id"`
			Result  interface{} `json:"result"`
		}{jsonRPCVersion, id, nil})
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

type methodHandler func(w http.ResponseWriter, r *http.Request, req *RPCRequest) int

func (s *Server) methods() map[string]methodHandler {
	return map[string]methodHandler{
		"verto_sendTransaction":     s.handleSendTransaction,
		"verto_simulateTransaction": s.handleSimulateTransaction,
		"verto_getReceipt":          s.handleGetReceipt,
		"verto_getBalance":          s.handleGetBalance,
		"verto_blockNumber":         s.handleBlockNumber,
		"verto_getBlockByNumber":    s.handleGetBlockByNumber,
		"verto_chainId":             s.handleChainID,
		"verto_queryState":          s.handleQueryState,
		"escrow_get":                s.handleEscrowGet,
		"escrow_count":              s.handleEscrowCount,
		"escrow_treasury":           s.handleEscrowTreasury,
		"escrow_owner":              s.handleEscrowOwner,
		"escrow_isReviewExpired":    s.handleEscrowReviewExpired,
		"escrow_listByParticipant":  s.handleEscrowList,
		"events_since":              s.handleEventsSince,
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	method := "invalid"
	code := 0
	defer func() {
		observability.RPC().Observe(method, code, time.Since(start))
	}()

	if r.Method != http.MethodPost {
		code = codeInvalidRequest
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, nil, code, "JSON-RPC requires POST", nil)
		return
	}
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)
		}
		code = codeInvalidRequest
		writeError(w, status, nil, code, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		code = codeInvalidRequest
		writeError(w, http.StatusBadRequest, nil, code, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		code = codeParseError
		writeError(w, http.StatusBadRequest, nil, code, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		code = codeInvalidRequest
		writeError(w, http.StatusBadRequest, req.ID, code, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		code = codeInvalidRequest
		writeError(w, http.StatusBadRequest, req.ID, code, "method required", nil)
		return
	}

	handler, ok := s.methods()[req.Method]
	if !ok {
		code = codeMethodNotFound
		writeError(w, http.StatusNotFound, req.ID, code, fmt.Sprintf("unknown method %s", req.Method), nil)
		return
	}
	method = req.Method
	code = handler(w, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.cfg.AuthToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// allowSource applies the per-source token bucket. A zero rate disables it.
func (s *Server) allowSource(source string, now time.Time) bool {
	if s.cfg.RateLimitPerSecond <= 0 {
		return true
	}
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(s.limiters, key)
		}
	}
	entry, ok := s.limiters[source]
	if !ok {
		burst := s.cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		entry = &sourceLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), burst)}
		s.limiters[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (s *Server) rememberTx(hash string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, seenAt := range s.txSeen {
		if now.Sub(seenAt) > txSeenTTL {
			delete(s.txSeen, h)
		}
	}
	if _, exists := s.txSeen[hash]; exists {
		return false
	}
	s.txSeen[hash] = now
	return true
}

func (s *Server) forgetTx(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txSeen, hash)
}

// clientSource returns the caller address. X-Forwarded-For is honoured only
// when the direct peer is a trusted proxy.
func (s *Server) clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.cfg.TrustProxyHeaders {
		return host
	}
	if _, trusted := s.trustedProxies[host]; !trusted {
		return host
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if candidate := strings.TrimSpace(parts[0]); candidate != "" {
			return candidate
		}
	}
	return host
}

func hexHash(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
