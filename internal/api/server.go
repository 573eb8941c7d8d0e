package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	gws "github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/api/middleware"
	ws "github.com/Trustflow-Network-Labs/settlement-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

// JWTIssuer is the iss claim of admin tokens this node accepts
const JWTIssuer = "settlement-node"

// Services are the settlement components the API exposes. Wallets, Metrics
// and Hub are optional.
type Services struct {
	Catalog       *payment.Catalog
	Adapters      *payment.AdapterSet
	Payments      *payment.PaymentRequestManager
	Rewards       *payment.RewardDistributionEngine
	Subscriptions *payment.SubscriptionLedger
	Wallets       *payment.WalletManager
	Hub           *ws.Hub
	Metrics       http.Handler
}

// APIServer provides the HTTP REST/WebSocket API for the node
type APIServer struct {
	server     *http.Server
	listener   net.Listener
	port       string
	logger     payment.Logger
	config     *utils.ConfigManager
	services   Services
	jwtManager *middleware.JWTManager
	validate   *validator.Validate
	wsUpgrader gws.Upgrader
	startTime  time.Time
	mutex      sync.RWMutex
}

// NewAPIServer creates a new API server instance. jwtSecret signs and checks
// admin tokens.
func NewAPIServer(config *utils.ConfigManager, logger payment.Logger, jwtSecret []byte, services Services) *APIServer {
	origins := config.GetConfigSlice("api_allowed_origins", []string{"*"})

	return &APIServer{
		logger:     logger,
		config:     config,
		services:   services,
		jwtManager: middleware.NewJWTManager(jwtSecret, JWTIssuer),
		validate:   newValidator(),
		wsUpgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		startTime: time.Now(),
	}
}

// JWTManager returns the manager that issues admin tokens
func (s *APIServer) JWTManager() *middleware.JWTManager {
	return s.jwtManager
}

// Start binds the listener and serves in the background
func (s *APIServer) Start() error {
	apiPort := s.config.GetConfigWithDefault("api_port", "8088")

	s.logger.Info(fmt.Sprintf("Starting API server on port %s", apiPort), "api")

	tlsConfig, err := s.tlsConfig(utils.GetAppPaths("").DataDir)
	if err != nil {
		return fmt.Errorf("failed to prepare API TLS: %v", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", apiPort))
	if err != nil {
		return fmt.Errorf("failed to bind API server to port %s: %v", apiPort, err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	s.mutex.Lock()
	s.listener = listener
	s.port = apiPort
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.GetConfigDuration("api_read_timeout", 15*time.Second),
		WriteTimeout: s.config.GetConfigDuration("api_write_timeout", 30*time.Second),
		IdleTimeout:  60 * time.Second,
	}
	server := s.server
	s.mutex.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("API server error: %v", err), "api")
		}
	}()

	s.logger.Info("API server started successfully", "api")
	return nil
}

// Handler returns the routed handler wrapped in CORS
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	origins := s.config.GetConfigSlice("api_allowed_origins", []string{"*"})
	return middleware.CORSMiddleware(origins)(mux)
}

// registerRoutes sets up all HTTP routes
func (s *APIServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/networks", s.handleListNetworks)

	// Payment routes
	mux.HandleFunc("POST /api/payments", s.handleCreatePayment)
	mux.HandleFunc("GET /api/payments/{id}", s.handleGetPayment)
	mux.HandleFunc("POST /api/payments/{id}/submit", s.handleSubmitPayment)
	mux.HandleFunc("POST /api/payments/{id}/attach", s.handleAttachTransaction)
	mux.HandleFunc("POST /api/payments/{id}/confirm", s.handleConfirmPayment)

	// User routes
	mux.HandleFunc("GET /api/users/{id}/payments", s.handleListUserPayments)
	mux.HandleFunc("GET /api/users/{id}/rewards", s.handleListUserRewards)
	mux.HandleFunc("GET /api/users/{id}/subscription", s.handleGetSubscription)

	// Reward routes. Rewards pay out treasury tokens so only the
	// conversation backend or an operator may report a conversation.
	service := s.jwtManager.RequireRoles(middleware.RoleAdmin, middleware.RoleService)
	mux.Handle("POST /api/rewards", service(http.HandlerFunc(s.handleReward)))
	mux.HandleFunc("GET /api/rewards/{conversation_id}", s.handleGetReward)

	// Admin routes
	admin := s.jwtManager.AdminMiddleware
	mux.Handle("POST /api/admin/fiat/reconcile", admin(http.HandlerFunc(s.handleReconcile)))
	mux.Handle("GET /api/admin/wallets", admin(http.HandlerFunc(s.handleListWallets)))

	if s.services.Hub != nil {
		mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	}
	if s.services.Metrics != nil {
		mux.Handle("GET /metrics", s.services.Metrics)
	}

	s.logger.Debug("API routes registered", "api")
}

// handleHealth returns API health status
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

// Stop gracefully shuts down the API server
func (s *APIServer) Stop() error {
	s.logger.Info("Stopping API server", "api")

	s.mutex.RLock()
	server := s.server
	s.mutex.RUnlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}

	return nil
}

// GetPort returns the port the server is listening on
func (s *APIServer) GetPort() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.port
}

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// originChecker accepts websocket upgrades from the configured origins
func originChecker(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range origins {
			allowed = strings.TrimSpace(allowed)
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}
