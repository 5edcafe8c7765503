package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, content string, fail bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			if fail {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/completion":
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(completionResponseBody{
				Content: content, TokensEvaluated: 10, TokensPredicted: 20, GenerationTimeMs: 5,
			})
		}
	}))
}

func TestComplete_RoutesToActiveByDefault(t *testing.T) {
	blueSrv := completionServer(t, "blue-response", false)
	defer blueSrv.Close()
	greenSrv := completionServer(t, "green-response", false)
	defer greenSrv.Close()

	gw := New(Config{
		Blue:          Environment{BaseURL: blueSrv.URL},
		Green:         Environment{BaseURL: greenSrv.URL},
		InitialActive: "blue",
	})

	result, err := gw.Complete(context.Background(), CompletionParams{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "blue-response", result.Content)
	assert.Equal(t, "blue", result.Environment)
}

func TestComplete_RetriesActiveOnStandbyFailure(t *testing.T) {
	blueSrv := completionServer(t, "blue-response", false)
	defer blueSrv.Close()
	greenSrv := completionServer(t, "", true)
	defer greenSrv.Close()

	gw := New(Config{
		Blue:          Environment{BaseURL: blueSrv.URL},
		Green:         Environment{BaseURL: greenSrv.URL},
		InitialActive: "blue",
	})
	gw.splitRatio = 1.0 // force all traffic to standby (green) to exercise the fallback

	result, err := gw.Complete(context.Background(), CompletionParams{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "blue-response", result.Content)
}

func TestComplete_BothFailReturnsUpstreamFailure(t *testing.T) {
	blueSrv := completionServer(t, "", true)
	defer blueSrv.Close()
	greenSrv := completionServer(t, "", true)
	defer greenSrv.Close()

	gw := New(Config{
		Blue:          Environment{BaseURL: blueSrv.URL},
		Green:         Environment{BaseURL: greenSrv.URL},
		InitialActive: "blue",
	})
	gw.splitRatio = 1.0

	_, err := gw.Complete(context.Background(), CompletionParams{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrUpstreamFailure)
}

func TestHealthProbe_Success(t *testing.T) {
	srv := completionServer(t, "", false)
	defer srv.Close()

	gw := New(Config{
		Blue:  Environment{BaseURL: srv.URL},
		Green: Environment{BaseURL: srv.URL},
	})

	result, err := gw.HealthProbe(context.Background(), "blue")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestPromote_FailsWhenTargetUnhealthy(t *testing.T) {
	gw := New(Config{
		Blue:  Environment{BaseURL: "http://blue.invalid"},
		Green: Environment{BaseURL: "http://green.invalid"},
	})
	err := gw.Promote("green")
	assert.ErrorIs(t, err, ErrHealthGateFailed)
}

func TestPromote_SwapsRolesWhenHealthy(t *testing.T) {
	srv := completionServer(t, "", false)
	defer srv.Close()

	gw := New(Config{
		Blue:          Environment{BaseURL: srv.URL},
		Green:         Environment{BaseURL: srv.URL},
		InitialActive: "blue",
	})

	_, err := gw.HealthProbe(context.Background(), "green")
	require.NoError(t, err)

	require.NoError(t, gw.Promote("green"))

	active, standby, split := gw.Snapshot()
	assert.Equal(t, "green", active.Name)
	assert.Equal(t, StatusActive, active.Status)
	assert.Equal(t, "blue", standby.Name)
	assert.Equal(t, StatusStandby, standby.Status)
	assert.Equal(t, 0.0, split)
}

func TestStartMigration_RejectsConcurrent(t *testing.T) {
	srv := completionServer(t, "", false)
	defer srv.Close()
	gw := New(Config{Blue: Environment{BaseURL: srv.URL}, Green: Environment{BaseURL: srv.URL}})

	err := gw.StartMigration(context.Background(), "green", []MigrationStep{{SplitRatio: 0.1, DwellTime: 50 * time.Millisecond}})
	require.NoError(t, err)

	err = gw.StartMigration(context.Background(), "green", nil)
	assert.ErrorIs(t, err, ErrMigrationInProgress)
}

func TestStartMigration_RollsBackOnHealthGateFailure(t *testing.T) {
	healthy := completionServer(t, "ok", false)
	defer healthy.Close()
	failing := completionServer(t, "", true)
	defer failing.Close()

	var rolledBack bool
	gw := New(Config{
		Blue:          Environment{BaseURL: healthy.URL},
		Green:         Environment{BaseURL: failing.URL},
		InitialActive: "blue",
		OnRollback:    func(reason string) { rolledBack = true },
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		gw.forward(ctx, "green", CompletionParams{Prompt: "x"})
	}

	err := gw.StartMigration(ctx, "green", []MigrationStep{{SplitRatio: 0.5, DwellTime: 10 * time.Millisecond}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		gw.mu.RLock()
		migrating := gw.migrating
		gw.mu.RUnlock()
		return !migrating
	}, time.Second, 10*time.Millisecond)

	assert.True(t, rolledBack)
	_, standby, split := gw.Snapshot()
	assert.Equal(t, StatusFailed, standby.Status)
	assert.Equal(t, 0.0, split)
}
