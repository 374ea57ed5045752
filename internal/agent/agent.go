package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/offline-agent/internal/cache/httpcache"
	"github.com/iTrooz/offline-agent/internal/config"
	"github.com/iTrooz/offline-agent/internal/logging"
	"github.com/iTrooz/offline-agent/internal/metrics"
)

var (
	// ErrInstallFailed wraps every error that aborts an install
	ErrInstallFailed = errors.New("install failed")
	// ErrNoActiveGeneration is returned when an operation needs a deployed generation
	ErrNoActiveGeneration = errors.New("no generation deployed")
)

// Options configure one Agent
type Options struct {
	// Name of the cache store of this generation, e.g. "marketops-static-v1"
	StoreName string
	Storage   *httpcache.Storage
	State     *StateStore
	Network   Fetcher
	// SeedNetwork fetches the seeds on install. Defaults to Network, made to
	// follow redirects when it is an *http.Client.
	SeedNetwork Fetcher
	// Seed paths are resolved against Origin
	Origin    *url.URL
	SeedPaths []string
	APIPrefix string
	// Keyer is used to coalesce concurrent misses; required with CoalesceMisses
	Keyer             httpcache.Keyer
	CoalesceMisses    bool
	CacheStatusHeader bool
	Metrics           *metrics.Metrics
}

// OptionsFromConfig fills every Options field derived from cfg
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	origin, err := cfg.GetOrigin()
	if err != nil {
		return Options{}, fmt.Errorf("invalid origin: %w", err)
	}
	return Options{
		StoreName:         cfg.StoreName(),
		Origin:            origin,
		SeedPaths:         cfg.Agent.SeedPaths,
		APIPrefix:         cfg.Agent.APIPrefix,
		Keyer:             httpcache.NewKeyer(cfg.Cache.KeyHeaders),
		CoalesceMisses:    cfg.Agent.CoalesceMisses,
		CacheStatusHeader: cfg.Agent.CacheStatusHeader,
	}, nil
}

// Agent applies the offline policy for one cache generation.
// It keeps no cache state in memory: the store is reopened by name on every
// operation, so a fresh Agent behaves exactly like one that has been running.
type Agent struct {
	storeName         string
	storage           *httpcache.Storage
	state             *StateStore
	network           Fetcher
	seedNetwork       Fetcher
	staticNetwork     Fetcher
	origin            *url.URL
	seedPaths         []string
	apiPrefix         string
	cacheStatusHeader bool
	metrics           *metrics.Metrics
}

func New(opts Options) (*Agent, error) {
	if err := httpcache.ValidateStoreName(opts.StoreName); err != nil {
		return nil, err
	}
	if opts.Storage == nil || opts.State == nil || opts.Network == nil {
		return nil, errors.New("agent requires storage, state and network")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("agent requires an origin")
	}

	seedNetwork := opts.SeedNetwork
	if seedNetwork == nil {
		seedNetwork = opts.Network
		if client, ok := opts.Network.(*http.Client); ok {
			seedNetwork = FollowRedirects(client)
		}
	}

	staticNetwork := opts.Network
	if opts.CoalesceMisses {
		staticNetwork = Coalesce(opts.Network, opts.Keyer)
	}

	return &Agent{
		storeName:         opts.StoreName,
		storage:           opts.Storage,
		state:             opts.State,
		network:           opts.Network,
		seedNetwork:       seedNetwork,
		staticNetwork:     staticNetwork,
		origin:            opts.Origin,
		seedPaths:         opts.SeedPaths,
		apiPrefix:         opts.APIPrefix,
		cacheStatusHeader: opts.CacheStatusHeader,
		metrics:           opts.Metrics,
	}, nil
}

// StoreName returns the name of the cache store of this generation
func (a *Agent) StoreName() string {
	return a.storeName
}

type seed struct {
	req      *http.Request
	captured *httpcache.Captured
}

// Install opens the generation's store and fills it with the seed resources.
// Redirects are followed and the final response is stored under the seed URL.
// Install is all or nothing: if any seed cannot be fetched, or answers with a
// non-2xx or partial status, the store is left as it was before the call and
// a store created by the call is removed.
func (a *Agent) Install(ctx context.Context) (err error) {
	log := logrus.WithFields(logging.GenerationFields(a.storeName))
	defer func() {
		a.metrics.ObserveInstall(a.storeName, err)
		if err != nil {
			log.Warnf("Install failed: %v", err)
		}
	}()

	seeds, err := a.fetchSeeds(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	existed, err := a.storage.Has(ctx, a.storeName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	store, err := a.storage.Open(ctx, a.storeName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	if err := putAll(ctx, store, seeds); err != nil {
		if !existed {
			a.discardStore()
		}
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	if err := a.state.MarkInstalled(a.storeName); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	log.Infof("Installed %d seed resources", len(seeds))
	return nil
}

func (a *Agent) discardStore() {
	if _, err := a.storage.Delete(context.Background(), a.storeName); err != nil {
		logrus.Errorf("Failed to remove store %s after failed install: %v", a.storeName, err)
	}
}

func (a *Agent) fetchSeeds(ctx context.Context) ([]seed, error) {
	seeds := make([]seed, len(a.seedPaths))
	g, gctx := errgroup.WithContext(ctx)

	for i, seedPath := range a.seedPaths {
		g.Go(func() error {
			ref, err := url.Parse(seedPath)
			if err != nil {
				return fmt.Errorf("invalid seed path %s: %w", seedPath, err)
			}
			target := a.origin.ResolveReference(ref)

			req, err := http.NewRequestWithContext(gctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return err
			}
			resp, err := a.seedNetwork.Do(req)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", target, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 || !httpcache.Storable(resp) {
				_ = resp.Body.Close()
				return fmt.Errorf("fetching %s: unexpected status %d", target, resp.StatusCode)
			}

			captured, err := httpcache.Capture(resp)
			if err != nil {
				return fmt.Errorf("reading %s: %w", target, err)
			}
			// Stored entries are keyed without the fetch context
			seeds[i] = seed{req: req.WithContext(context.Background()), captured: captured}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return seeds, nil
}

// putAll stores every seed, restoring the previous entries if one put fails
func putAll(ctx context.Context, store *httpcache.Store, seeds []seed) error {
	previous := make([]*httpcache.Captured, 0, len(seeds))

	rollback := func() {
		for i := len(previous) - 1; i >= 0; i-- {
			var err error
			if previous[i] == nil {
				err = store.Delete(context.Background(), seeds[i].req)
			} else {
				err = store.Put(context.Background(), seeds[i].req, previous[i].Response(seeds[i].req))
			}
			if err != nil {
				logrus.Errorf("Failed to roll back %s in %s: %v", seeds[i].req.URL, store.Name(), err)
			}
		}
	}

	for _, s := range seeds {
		var prev *httpcache.Captured
		existing, err := store.Match(ctx, s.req)
		if err == nil && existing != nil {
			prev, err = httpcache.Capture(existing)
		}
		if err != nil {
			rollback()
			return fmt.Errorf("reading previous entry for %s: %w", s.req.URL, err)
		}
		previous = append(previous, prev)

		if err := store.Put(ctx, s.req, s.captured.Response(s.req)); err != nil {
			rollback()
			return fmt.Errorf("storing %s: %w", s.req.URL, err)
		}
	}
	return nil
}

// Activate records this generation as the one controlling clients.
// It does not touch any cache store; superseded stores stay until swept.
func (a *Agent) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.state.SetActive(a.storeName); err != nil {
		return err
	}
	logrus.WithFields(logging.GenerationFields(a.storeName)).Info("Generation activated")
	return nil
}

// Intercept answers one request. It always returns a response: network failures
// become synthesized offline responses.
func (a *Agent) Intercept(req *http.Request) *http.Response {
	start := time.Now()
	ctx := req.Context()
	class := Classify(req, a.apiPrefix)

	var resp *http.Response
	var outcome Outcome
	switch class {
	case ClassAPI:
		resp, outcome = ResolveAPI(ctx, req, a.network)
	default:
		resp, outcome = ResolveStatic(ctx, req, a.staticNetwork, a.openStore(ctx))
	}

	if a.cacheStatusHeader {
		switch outcome {
		case OutcomeCacheHit:
			resp.Header.Set("X-Cache", "HIT")
		case OutcomeCacheFill, OutcomeUncached:
			resp.Header.Set("X-Cache", "MISS")
		}
	}

	a.metrics.ObserveIntercept(string(class), string(outcome), time.Since(start))
	logrus.WithFields(logging.RequestFields(uuid.NewString(), req)).
		WithFields(logrus.Fields{"class": class, "outcome": outcome, "status": resp.StatusCode}).
		Debug("Intercepted request")

	return resp
}

// openStore returns nil when the store cannot be opened, so the static
// strategy degrades to the network
func (a *Agent) openStore(ctx context.Context) StaticStore {
	store, err := a.storage.Open(ctx, a.storeName)
	if err != nil {
		a.metrics.StoreError("open")
		logrus.Warnf("Cache store %s unavailable: %v", a.storeName, err)
		return nil
	}
	return &instrumentedStore{store: store, metrics: a.metrics}
}

type instrumentedStore struct {
	store   *httpcache.Store
	metrics *metrics.Metrics
}

func (s *instrumentedStore) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := s.store.Match(ctx, req)
	if err != nil {
		s.metrics.StoreError("match")
	}
	return resp, err
}

func (s *instrumentedStore) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	err := s.store.Put(ctx, req, resp)
	if err != nil {
		s.metrics.StoreError("put")
	}
	return err
}
