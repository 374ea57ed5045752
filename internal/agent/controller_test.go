package agent

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-agent/internal/cache/httpcache"
)

func (f *fixture) controller() *Controller {
	return NewController(f.network, f.storage, f.state, nil)
}

func TestControllerPassesThroughBeforeActivation(t *testing.T) {
	f := newFixture(t)
	f.network.serve("/app.js", http.StatusOK, "x")
	c := f.controller()

	assert.Nil(t, c.Active())
	resp := c.Intercept(proxyRequest("GET", "http://app.local:8000/app.js"))
	assert.Equal(t, "x", readBody(t, resp))

	f.network.setOffline(true)
	resp = c.Intercept(proxyRequest("GET", "http://app.local:8000/app.js"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	names, err := f.storage.Names(t.Context())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestControllerDeployActivatesAndClaims(t *testing.T) {
	f := newFixture(t)
	c := f.controller()
	v1 := f.agent(t, "marketops-static-v1")

	require.NoError(t, c.Deploy(t.Context(), v1, false))
	assert.Same(t, v1, c.Active())

	state, err := f.state.Load()
	require.NoError(t, err)
	assert.Equal(t, "marketops-static-v1", state.Active)

	f.network.setOffline(true)
	resp := c.Intercept(proxyRequest("GET", "http://app.local:8000/"))
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))

	resp = c.Intercept(proxyRequest("GET", "http://app.local:8000/api/orders"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestControllerFailedDeployKeepsPreviousGeneration(t *testing.T) {
	f := newFixture(t)
	c := f.controller()
	v1 := f.agent(t, "marketops-static-v1")
	require.NoError(t, c.Deploy(t.Context(), v1, false))

	f.network.setOffline(true)
	v2 := f.agent(t, "marketops-static-v2")
	require.ErrorIs(t, c.Deploy(t.Context(), v2, false), ErrInstallFailed)

	assert.Same(t, v1, c.Active())
	state, err := f.state.Load()
	require.NoError(t, err)
	assert.Equal(t, "marketops-static-v1", state.Active)
}

func TestControllerColdRestartSkipsInstall(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.controller().Deploy(t.Context(), f.agent(t, "marketops-static-v1"), false))
	callsAfterInstall := f.network.calls.Load()

	// A new process on the same storage
	restarted := &fixture{
		backend: f.backend,
		storage: httpcache.NewStorage(f.backend, httpcache.NewKeyer(nil)),
		state:   NewStateStore(f.backend),
		network: f.network,
	}
	f.network.setOffline(true)
	c := restarted.controller()
	require.NoError(t, c.Deploy(t.Context(), restarted.agent(t, "marketops-static-v1"), false))

	assert.Equal(t, callsAfterInstall, f.network.calls.Load())
	resp := c.Intercept(proxyRequest("GET", "http://app.local:8000/"))
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))
}

func TestControllerReinstallsWhenStoreWasRemoved(t *testing.T) {
	f := newFixture(t)
	c := f.controller()
	require.NoError(t, c.Deploy(t.Context(), f.agent(t, "marketops-static-v1"), false))

	_, err := f.storage.Delete(t.Context(), "marketops-static-v1")
	require.NoError(t, err)

	require.NoError(t, c.Deploy(t.Context(), f.agent(t, "marketops-static-v1"), false))
	assert.Len(t, f.entries(t, "marketops-static-v1"), 2)
}

func TestControllerReinstall(t *testing.T) {
	f := newFixture(t)
	c := f.controller()
	require.ErrorIs(t, c.Reinstall(t.Context()), ErrNoActiveGeneration)

	require.NoError(t, c.Deploy(t.Context(), f.agent(t, "marketops-static-v1"), false))
	f.network.serve("/", http.StatusOK, "<html>refreshed</html>")
	require.NoError(t, c.Reinstall(t.Context()))

	f.network.setOffline(true)
	resp := c.Intercept(proxyRequest("GET", "http://app.local:8000/"))
	assert.Equal(t, "<html>refreshed</html>", readBody(t, resp))
}

func TestControllerDeployWithRetry(t *testing.T) {
	f := newFixture(t)
	f.network.setOffline(true)
	c := f.controller()
	a := f.agent(t, "marketops-static-v1")

	done := make(chan error, 1)
	go func() {
		done <- c.DeployWithRetry(t.Context(), a, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return f.network.calls.Load() >= 4 }, time.Second, time.Millisecond)
	assert.Nil(t, c.Active())

	f.network.setOffline(false)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("deploy did not complete after the network came back")
	}
	assert.Same(t, a, c.Active())
}

func TestControllerDeployWithRetryStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.network.setOffline(true)
	c := f.controller()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	err := c.DeployWithRetry(ctx, f.agent(t, "marketops-static-v1"), 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, c.Active())
}
