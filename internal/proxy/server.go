package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/offline-agent/internal/agent"
	"github.com/iTrooz/offline-agent/internal/cache"
	"github.com/iTrooz/offline-agent/internal/cache/httpcache"
	"github.com/iTrooz/offline-agent/internal/config"
	"github.com/iTrooz/offline-agent/internal/metrics"
)

// Server represents the offline agent proxy server
type Server struct {
	config      *config.Config
	proxy       *goproxy.ProxyHttpServer
	storage     *httpcache.Storage
	state       *agent.StateStore
	network     *http.Client
	controller  *agent.Controller
	generations *agent.Generations
	metrics     *metrics.Metrics
	origin      *url.URL

	// guards config and the pending background deploy
	deployMu     sync.Mutex
	cancelDeploy context.CancelFunc
}

// New creates a new proxy server
func New(cfg *config.Config) (*Server, error) {
	timeout, err := cfg.GetNetworkTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid network timeout: %w", err)
	}
	origin, err := cfg.GetOrigin()
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}

	backend, err := cache.Open(cfg.Cache.Backend, cfg.Cache.Folder)
	if err != nil {
		return nil, err
	}

	storage := httpcache.NewStorage(backend, httpcache.NewKeyer(cfg.Cache.KeyHeaders))
	state := agent.NewStateStore(backend)
	m := metrics.New()
	network := agent.NewNetwork(timeout)

	s := &Server{
		config:      cfg,
		proxy:       goproxy.NewProxyHttpServer(),
		storage:     storage,
		state:       state,
		network:     network,
		controller:  agent.NewController(network, storage, state, m),
		generations: agent.NewGenerations(storage, state),
		metrics:     m,
		origin:      origin,
	}

	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	s.proxy.Logger = logrus.WithField("component", "goproxy")
	s.proxy.CertStore = newCertStore()
	s.proxy.NonproxyHandler = http.HandlerFunc(s.handleOriginRequest)

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, err
		}
	}

	s.proxy.OnRequest().DoFunc(func(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		return requ, s.controller.Intercept(requ)
	})

	return s, nil
}

// GetProxy returns the underlying goproxy server
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

func (s *Server) Controller() *agent.Controller {
	return s.controller
}

func (s *Server) Generations() *agent.Generations {
	return s.generations
}

func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// NewAgent builds the agent of the generation configured in cfg
func (s *Server) NewAgent(cfg *config.Config) (*agent.Agent, error) {
	opts, err := agent.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.Storage = s.storage
	opts.State = s.state
	opts.Network = s.network
	opts.Metrics = s.metrics
	return agent.New(opts)
}

// Deploy installs and activates the configured generation once
func (s *Server) Deploy(ctx context.Context, force bool) error {
	a, err := s.NewAgent(s.currentConfig())
	if err != nil {
		return err
	}
	return s.controller.Deploy(ctx, a, force)
}

func (s *Server) currentConfig() *config.Config {
	s.deployMu.Lock()
	defer s.deployMu.Unlock()
	return s.config
}

// deployInBackground deploys a until it succeeds, replacing any deploy still retrying
func (s *Server) deployInBackground(ctx context.Context, a *agent.Agent, cfg *config.Config) {
	interval, err := cfg.GetInstallRetryInterval()
	if err != nil {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	s.deployMu.Lock()
	if s.cancelDeploy != nil {
		s.cancelDeploy()
	}
	s.cancelDeploy = cancel
	s.config = cfg
	s.deployMu.Unlock()

	go func() {
		defer cancel()
		if err := s.controller.DeployWithRetry(ctx, a, interval); err != nil && !errors.Is(err, context.Canceled) {
			logrus.Errorf("Deploy of %s stopped: %v", a.StoreName(), err)
		}
	}()
}

// Reload deploys the generation of cfg if it differs from the current one.
// Only the agent settings are reloaded; listeners keep their configuration.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	current := s.currentConfig().StoreName()
	if cfg.StoreName() == current {
		logrus.Debugf("Configuration changed, generation %s unchanged", cfg.StoreName())
		return nil
	}

	a, err := s.NewAgent(cfg)
	if err != nil {
		return err
	}
	logrus.Infof("Cache version changed, deploying generation %s", a.StoreName())
	s.deployInBackground(ctx, a, cfg)
	return nil
}

// Start deploys the configured generation in the background and serves the proxy until ctx is done
func (s *Server) Start(ctx context.Context) error {
	a, err := s.NewAgent(s.config)
	if err != nil {
		return err
	}

	logrus.Infof("Starting offline agent proxy on port %d", s.config.Server.Port)
	logrus.Infof("Cache backend: %s (%s)", s.config.Cache.Backend, s.config.Cache.Folder)
	logrus.Infof("Origin: %s", s.origin)
	logrus.Infof("Generation: %s", a.StoreName())

	s.deployInBackground(ctx, a, s.config)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server failed: %w", err)
		}
		return nil
	})
	if s.config.Server.HTTPS.Enabled && s.config.Server.HTTPS.TransparentAddr != "" {
		g.Go(func() error {
			return s.StartTransparentHTTPS(gctx, s.config.Server.HTTPS.TransparentAddr)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
