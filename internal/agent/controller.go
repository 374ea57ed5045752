package agent

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-agent/internal/cache/httpcache"
	"github.com/iTrooz/offline-agent/internal/logging"
	"github.com/iTrooz/offline-agent/internal/metrics"
)

// Controller owns the generation lifecycle of the process and routes every
// intercepted request to the active generation.
// Until a generation is active, clients are uncontrolled and requests go
// straight to the network.
type Controller struct {
	active  atomic.Pointer[Agent]
	target  atomic.Pointer[Agent]
	network Fetcher
	storage *httpcache.Storage
	state   *StateStore
	metrics *metrics.Metrics

	// serializes installs and activations
	deployMu sync.Mutex
}

func NewController(network Fetcher, storage *httpcache.Storage, state *StateStore, m *metrics.Metrics) *Controller {
	return &Controller{
		network: network,
		storage: storage,
		state:   state,
		metrics: m,
	}
}

// Active returns the generation controlling clients, or nil
func (c *Controller) Active() *Agent {
	return c.active.Load()
}

// Deploy installs a (unless it already completed an install and force is false),
// then activates it immediately, superseding the active generation even while
// its clients are still attached.
// On error the previously active generation keeps control.
func (c *Controller) Deploy(ctx context.Context, a *Agent, force bool) error {
	c.target.Store(a)

	c.deployMu.Lock()
	defer c.deployMu.Unlock()

	installed, err := c.installed(ctx, a)
	if err != nil {
		return err
	}
	if force || !installed {
		if err := a.Install(ctx); err != nil {
			return err
		}
	} else {
		logrus.WithFields(logging.GenerationFields(a.StoreName())).Info("Generation already installed, skipping install")
	}

	// Skip waiting: promote as soon as the install completed
	if err := a.Activate(ctx); err != nil {
		return err
	}
	c.Claim(a)
	return nil
}

func (c *Controller) installed(ctx context.Context, a *Agent) (bool, error) {
	state, err := c.state.Load()
	if err != nil {
		return false, err
	}
	if !state.IsInstalled(a.StoreName()) {
		return false, nil
	}
	return c.storage.Has(ctx, a.StoreName())
}

// DeployWithRetry calls Deploy until it succeeds or ctx is done, waiting interval between attempts
func (c *Controller) DeployWithRetry(ctx context.Context, a *Agent, interval time.Duration) error {
	for {
		err := c.Deploy(ctx, a, false)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logrus.WithFields(logging.GenerationFields(a.StoreName())).
			Warnf("Deploy failed, retrying in %s: %v", interval, err)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reinstall runs the install of the latest deployed generation again, refreshing its seeds
func (c *Controller) Reinstall(ctx context.Context) error {
	a := c.target.Load()
	if a == nil {
		return ErrNoActiveGeneration
	}
	return c.Deploy(ctx, a, true)
}

// Claim makes a the generation handling every request from now on,
// including those of clients that were attached to a previous generation.
func (c *Controller) Claim(a *Agent) {
	previous := c.active.Swap(a)
	c.metrics.SetActiveGeneration(a.StoreName())

	log := logrus.WithFields(logging.GenerationFields(a.StoreName()))
	if previous != nil && previous != a {
		log.Infof("Claimed clients from generation %s", previous.StoreName())
	} else {
		log.Info("Claimed clients")
	}
}

// Intercept answers req with the active generation, or forwards it unmodified
// when no generation controls clients yet
func (c *Controller) Intercept(req *http.Request) *http.Response {
	if a := c.active.Load(); a != nil {
		return a.Intercept(req)
	}

	resp, err := c.network.Do(outgoingRequest(req.Context(), req))
	if err != nil {
		return goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}
	return resp
}
