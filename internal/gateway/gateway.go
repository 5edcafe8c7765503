package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/owulveryck/agentplatform/internal/observability"
)

const ringBufferSize = 256

type requestOutcome struct {
	success   bool
	latencyMs int64
}

type envState struct {
	env      Environment
	breaker  *gobreaker.CircuitBreaker
	outcomes []requestOutcome
	cursor   int
}

func (e *envState) recordOutcome(success bool, latencyMs int64) {
	if len(e.outcomes) < ringBufferSize {
		e.outcomes = append(e.outcomes, requestOutcome{success, latencyMs})
	} else {
		e.outcomes[e.cursor%ringBufferSize] = requestOutcome{success, latencyMs}
	}
	e.cursor++
}

// errorRate and p95 over the most recent window (at most ringBufferSize,
// capped further by w).
func (e *envState) errorRateAndP95(w int) (float64, int64) {
	n := len(e.outcomes)
	if n == 0 {
		return 0, 0
	}
	if w > 0 && w < n {
		n = w
	}
	window := make([]requestOutcome, 0, n)
	for i := e.cursor - n; i < e.cursor; i++ {
		window = append(window, e.outcomes[i%len(e.outcomes)])
	}

	var failures int
	latencies := make([]int64, 0, len(window))
	for _, o := range window {
		if !o.success {
			failures++
		}
		latencies = append(latencies, o.latencyMs)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := int(float64(len(latencies)) * 0.95)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	var p95 int64
	if idx >= 0 {
		p95 = latencies[idx]
	}
	return float64(failures) / float64(len(window)), p95
}

// Config configures a new Gateway.
type Config struct {
	Blue, Green       Environment
	InitialActive     string // "blue" or "green"
	ErrorThreshold    float64
	LatencyThresholdX float64
	WindowSize        int
	// MaxConcurrentCompletions bounds in-flight Complete calls; Complete
	// returns ErrBusy immediately once it is saturated rather than
	// queuing beyond the bound.
	MaxConcurrentCompletions int
	HTTPClient               *http.Client
	Logger                   *slog.Logger
	Metrics                  *observability.MetricsManager
	OnRollback               func(reason string)
}

// Gateway routes completion requests across the blue/green Environment
// pair and drives migrations between them. The routing table (active +
// split_ratio) follows a single-writer/multi-reader discipline: reads
// take an RLock, every write (promote/rollback/migration step) takes the
// full Lock.
type Gateway struct {
	mu         sync.RWMutex
	envs       map[string]*envState
	active     string
	splitRatio float64
	migrating  bool

	errorThreshold    float64
	latencyThresholdX float64
	windowSize        int
	httpClient        *http.Client
	logger            *slog.Logger
	metric            *observability.MetricsManager
	onRollback        func(reason string)
	sem               chan struct{}
}

func New(cfg Config) *Gateway {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 0.05
	}
	if cfg.LatencyThresholdX <= 0 {
		cfg.LatencyThresholdX = 1.5
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InitialActive == "" {
		cfg.InitialActive = "blue"
	}
	if cfg.MaxConcurrentCompletions <= 0 {
		cfg.MaxConcurrentCompletions = 32
	}

	g := &Gateway{
		envs:              make(map[string]*envState),
		active:            cfg.InitialActive,
		errorThreshold:    cfg.ErrorThreshold,
		latencyThresholdX: cfg.LatencyThresholdX,
		windowSize:        cfg.WindowSize,
		httpClient:        cfg.HTTPClient,
		logger:            cfg.Logger,
		metric:            cfg.Metrics,
		onRollback:        cfg.OnRollback,
		sem:               make(chan struct{}, cfg.MaxConcurrentCompletions),
	}

	cfg.Blue.Name = "blue"
	cfg.Green.Name = "green"
	if cfg.InitialActive == "blue" {
		cfg.Blue.Status = StatusActive
		cfg.Green.Status = StatusStandby
	} else {
		cfg.Green.Status = StatusActive
		cfg.Blue.Status = StatusStandby
	}

	g.envs["blue"] = newEnvState(cfg.Blue)
	g.envs["green"] = newEnvState(cfg.Green)

	return g
}

func newEnvState(env Environment) *envState {
	settings := gobreaker.Settings{
		Name:        env.Name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &envState{env: env, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (g *Gateway) standbyName() string {
	if g.active == "blue" {
		return "green"
	}
	return "blue"
}

// Complete selects an Environment per the current split_ratio and
// forwards the request. On upstream failure it retries once against the
// Active environment; if that also fails, returns ErrUpstreamFailure.
// Returns ErrBusy immediately if max_concurrent_completions is already
// saturated, rather than queuing the caller.
func (g *Gateway) Complete(ctx context.Context, params CompletionParams) (CompletionResult, error) {
	select {
	case g.sem <- struct{}{}:
	default:
		return CompletionResult{}, ErrBusy
	}
	defer func() { <-g.sem }()

	g.mu.RLock()
	active := g.active
	standby := g.standbyName()
	split := g.splitRatio
	g.mu.RUnlock()

	target := active
	if split > 0 && rand.Float64() < split {
		target = standby
	}

	result, err := g.forward(ctx, target, params)
	if err == nil {
		return result, nil
	}

	g.logger.Warn("gateway: completion failed, retrying once against active", "environment", target, "error", err)
	result, err = g.forward(ctx, active, params)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	return result, nil
}

func (g *Gateway) forward(ctx context.Context, name string, params CompletionParams) (CompletionResult, error) {
	g.mu.RLock()
	state, ok := g.envs[name]
	g.mu.RUnlock()
	if !ok {
		return CompletionResult{}, ErrUnknownEnvironment
	}

	start := time.Now()
	raw, err := state.breaker.Execute(func() (interface{}, error) {
		return g.doCompletionRequest(ctx, state.env, params)
	})
	elapsed := time.Since(start)

	g.mu.Lock()
	state.recordOutcome(err == nil, elapsed.Milliseconds())
	g.mu.Unlock()

	if g.metric != nil {
		g.metric.IncrementGatewayCompletions(ctx, name, err == nil)
		g.metric.RecordGatewayLatency(ctx, name, elapsed)
		if err != nil {
			g.metric.IncrementGatewayErrors(ctx, name, "upstream")
		}
	}

	if err != nil {
		return CompletionResult{}, err
	}
	result := raw.(CompletionResult)
	result.Environment = name
	return result, nil
}

type completionRequestBody struct {
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type completionResponseBody struct {
	Content          string `json:"content"`
	TokensEvaluated  int    `json:"tokens_evaluated"`
	TokensPredicted  int    `json:"tokens_predicted"`
	GenerationTimeMs int64  `json:"generation_time_ms"`
}

func (g *Gateway) doCompletionRequest(ctx context.Context, env Environment, params CompletionParams) (CompletionResult, error) {
	body := completionRequestBody{
		Prompt: params.Prompt, Temperature: params.Temperature,
		MaxTokens: params.MaxTokens, TopP: params.TopP, Stop: params.Stop,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return CompletionResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.BaseURL+"/completion", bytes.NewReader(payload))
	if err != nil {
		return CompletionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return CompletionResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return CompletionResult{}, fmt.Errorf("completion request to %s failed: status %d", env.Name, resp.StatusCode)
	}

	var respBody completionResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return CompletionResult{}, err
	}

	return CompletionResult{
		Content:          respBody.Content,
		TokensEvaluated:  respBody.TokensEvaluated,
		TokensPredicted:  respBody.TokensPredicted,
		GenerationTimeMs: respBody.GenerationTimeMs,
	}, nil
}

// HealthProbe performs a low-cost health check against env, retrying
// once with a bounded backoff before reporting failure.
func (g *Gateway) HealthProbe(ctx context.Context, name string) (HealthProbeResult, error) {
	g.mu.RLock()
	state, ok := g.envs[name]
	g.mu.RUnlock()
	if !ok {
		return HealthProbeResult{}, ErrUnknownEnvironment
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)
	bo2 := backoff.WithContext(bo, ctx)

	start := time.Now()
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.env.BaseURL+"/health", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := g.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("health probe to %s: status %d", name, resp.StatusCode)
		}
		return nil
	}, bo2)

	result := HealthProbeResult{
		Success:   err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
		At:        time.Now(),
	}

	g.mu.Lock()
	state.env.Health = result
	g.mu.Unlock()

	return result, err
}

// StartMigration schedules split_ratio to move through a piecewise plan
// toward targetEnv, running a health gate at each step. Concurrent
// migrations are disallowed.
func (g *Gateway) StartMigration(ctx context.Context, targetEnv string, schedule []MigrationStep) error {
	g.mu.Lock()
	if g.migrating {
		g.mu.Unlock()
		return ErrMigrationInProgress
	}
	if _, ok := g.envs[targetEnv]; !ok {
		g.mu.Unlock()
		return ErrUnknownEnvironment
	}
	if targetEnv == g.active {
		g.mu.Unlock()
		return fmt.Errorf("gateway: target %s is already active", targetEnv)
	}
	g.migrating = true
	g.envs[targetEnv].env.Status = StatusStandby
	g.mu.Unlock()

	go g.runMigration(ctx, targetEnv, schedule)
	return nil
}

func (g *Gateway) runMigration(ctx context.Context, targetEnv string, schedule []MigrationStep) {
	defer func() {
		g.mu.Lock()
		g.migrating = false
		g.mu.Unlock()
	}()

	for _, step := range schedule {
		select {
		case <-ctx.Done():
			g.Rollback("migration cancelled")
			return
		case <-time.After(step.DwellTime):
		}

		g.mu.Lock()
		g.splitRatio = step.SplitRatio
		g.mu.Unlock()

		if g.metric != nil {
			g.metric.IncrementMigrationStep(ctx, targetEnv, step.SplitRatio)
		}

		if !g.healthGatePass(targetEnv) {
			g.Rollback(fmt.Sprintf("health gate failed at split_ratio=%.2f", step.SplitRatio))
			return
		}
	}
}

// healthGatePass reports whether targetEnv's rolling error rate and p95
// latency (relative to the active environment's baseline) satisfy the
// health gate thresholds.
func (g *Gateway) healthGatePass(targetEnv string) bool {
	g.mu.RLock()
	target, ok := g.envs[targetEnv]
	active := g.envs[g.active]
	window := g.windowSize
	errThreshold := g.errorThreshold
	latencyX := g.latencyThresholdX
	g.mu.RUnlock()
	if !ok {
		return false
	}

	errRate, p95 := target.errorRateAndP95(window)
	if errRate > errThreshold {
		return false
	}

	_, baselineP95 := active.errorRateAndP95(window)
	if baselineP95 == 0 {
		return true
	}
	return float64(p95) <= latencyX*float64(baselineP95)
}

// Promote atomically swaps roles, making targetEnv Active and the
// previous Active a Standby. Fails with ErrHealthGateFailed if targetEnv
// is not currently healthy.
func (g *Gateway) Promote(targetEnv string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	target, ok := g.envs[targetEnv]
	if !ok {
		return ErrUnknownEnvironment
	}
	if !target.env.Health.Success {
		return ErrHealthGateFailed
	}

	previousActive := g.active
	g.envs[previousActive].env.Status = StatusStandby
	target.env.Status = StatusActive
	g.active = targetEnv
	g.splitRatio = 0

	return nil
}

// Rollback sets split_ratio to 0 immediately, leaves Active unchanged,
// and marks the standby environment Failed. A no-op when split_ratio is
// already 0 and no migration is in progress — rolling back a gateway
// already fully on Active must not re-fail a healthy standby or fire a
// second rollback notification.
func (g *Gateway) Rollback(reason string) {
	g.mu.Lock()
	if g.splitRatio == 0 && !g.migrating {
		g.mu.Unlock()
		return
	}
	g.splitRatio = 0
	standby := g.standbyName()
	if state, ok := g.envs[standby]; ok {
		state.env.Status = StatusFailed
	}
	g.mu.Unlock()

	if g.metric != nil {
		g.metric.IncrementGatewayRollback(context.Background(), reason)
	}
	g.logger.Warn("gateway: rollback", "reason", reason, "standby", standby)
	if g.onRollback != nil {
		g.onRollback(reason)
	}
}

// Snapshot returns a copy of both environments' current state.
func (g *Gateway) Snapshot() (active, standby Environment, splitRatio float64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.envs[g.active].env, g.envs[g.standbyName()].env, g.splitRatio
}
