package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"powchain/api/handlers"
	"powchain/blockchain"
	"powchain/blockchain/store"
	"powchain/events"
	"powchain/metrics"
)

// Config holds the HTTP API dependencies. Bus, Metrics and Broadcaster are
// optional; the routes that need them are only mounted when they are set.
type Config struct {
	Listen      string
	Processor   handlers.Processor
	Store       store.ChainStore
	Engine      *blockchain.Engine
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Broadcaster handlers.TxBroadcaster
	Logger      *zap.Logger
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	router     *gin.Engine
	hub        *eventHub
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer creates a new API server
func NewServer(config Config) (*Server, error) {
	if config.Processor == nil || config.Store == nil {
		return nil, errors.New("api server requires a processor and a chain store")
	}
	if config.Engine == nil {
		config.Engine = blockchain.NewEngine(blockchain.DefaultDifficulty, 0)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: config,
		router: gin.New(),
		logger: config.Logger.Named("api"),
	}

	if config.Bus != nil {
		hub, err := newEventHub(config.Bus, s.logger)
		if err != nil {
			return nil, fmt.Errorf("subscribe event stream: %w", err)
		}
		s.hub = hub
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all HTTP endpoints
func (s *Server) setupRoutes() {
	r := s.router
	r.Use(gin.Recovery(), requestID(), requestLogger(s.logger))
	if s.config.Metrics != nil {
		r.Use(requestMetrics(s.config.Metrics))
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.config.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	p := s.config.Processor
	st := s.config.Store
	api := r.Group("/api")

	// Transaction endpoints
	api.POST("/transactions", func(c *gin.Context) {
		handlers.HandleSubmitTransaction(c, p, s.config.Broadcaster)
	})
	api.GET("/transactions/pending", func(c *gin.Context) {
		handlers.HandlePendingTransactions(c, p)
	})

	// Block endpoints
	api.POST("/blocks", func(c *gin.Context) {
		handlers.HandlePostBlock(c, p)
	})
	api.GET("/blocks/:id", func(c *gin.Context) {
		handlers.HandleGetBlock(c, st)
	})

	// Chain endpoints
	api.GET("/chain", func(c *gin.Context) {
		handlers.HandleChain(c, st)
	})
	api.GET("/chain/head", func(c *gin.Context) {
		handlers.HandleChainHead(c, st)
	})
	api.GET("/chain/height", func(c *gin.Context) {
		handlers.HandleChainHeight(c, st)
	})
	api.GET("/chain/valid", func(c *gin.Context) {
		handlers.HandleChainValid(c, st, s.config.Engine)
	})

	// Mining endpoints
	api.GET("/mining", func(c *gin.Context) {
		handlers.HandleMiningStatus(c, p)
	})
	api.POST("/mining/start", func(c *gin.Context) {
		handlers.HandleStartMining(c, p)
	})
	api.POST("/mining/stop", func(c *gin.Context) {
		handlers.HandleStopMining(c, p)
	})

	if s.hub != nil {
		api.GET("/events", s.hub.serve)
	}
}

// Handler exposes the router, mainly for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP API server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound listen address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the event streams and shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
