// Package dispatcher executes a single operation on the precise or the resilient
// surface, with a bounded retry loop and fallback from precise to resilient.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harrison/cadpilot/internal/classifier"
	"github.com/harrison/cadpilot/internal/models"
	"github.com/harrison/cadpilot/internal/registry"
)

// Default retry policy.
const (
	DefaultMaxRetries = 2
	DefaultRetryDelay = 500 * time.Millisecond
)

// Logger receives dispatcher diagnostics. Implementations must be safe for concurrent use.
type Logger interface {
	LogDebug(message string)
	LogWarn(message string)
}

// Config configures retry and fallback behaviour.
type Config struct {
	MaxRetries     int
	RetryDelay     time.Duration
	EnableFallback bool
	Table          *classifier.Table // nil means classifier.DefaultTable()
}

// DefaultConfig returns the stock retry policy with fallback enabled.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelay,
		EnableFallback: true,
	}
}

// Dispatcher routes operations to tool registries.
// Registries are never mutated; the counters are guarded and safe to read while plans run.
type Dispatcher struct {
	precise   registry.Registry
	resilient registry.Registry
	table     classifier.Table
	cfg       Config
	logger    Logger

	mu    sync.Mutex
	stats models.Stats

	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Dispatcher. The logger may be nil.
func New(precise, resilient registry.Registry, cfg Config, logger Logger) *Dispatcher {
	if precise == nil {
		precise = registry.New()
	}
	if resilient == nil {
		resilient = registry.New()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	table := classifier.DefaultTable()
	if cfg.Table != nil {
		table = *cfg.Table
	}

	return &Dispatcher{
		precise:   precise,
		resilient: resilient,
		table:     table,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// Classify returns the modality Execute would choose for operation.
func (d *Dispatcher) Classify(operation string) models.Modality {
	return classifier.Classify(d.table, operation, d.precise, d.resilient)
}

// Execute runs operation with the classified modality.
func (d *Dispatcher) Execute(ctx context.Context, operation string, params map[string]any) models.ExecutionResult {
	return d.run(ctx, operation, params, d.Classify(operation))
}

// ExecuteAs runs operation with a forced modality, bypassing classification.
func (d *Dispatcher) ExecuteAs(ctx context.Context, operation string, params map[string]any, modality models.Modality) models.ExecutionResult {
	return d.run(ctx, operation, params, modality)
}

// Dispatch matches executor.DispatchFunc.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, params map[string]any) models.ExecutionResult {
	return d.Execute(ctx, toolName, params)
}

func (d *Dispatcher) run(ctx context.Context, operation string, params map[string]any, modality models.Modality) models.ExecutionResult {
	start := time.Now()
	d.debugf("execute %s (modality %s)", operation, modality)

	var result models.ExecutionResult
	switch modality {
	case models.ModalityVision:
		result = d.withRetry(ctx, operation, params, models.ModalityVision)
	default:
		// API and hybrid share the same path: precise first, resilient on failure.
		result = d.withFallback(ctx, operation, params)
	}

	result.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	if !result.Success {
		d.bump(func(s *models.Stats) { s.Failures++ })
	}
	return result
}

func (d *Dispatcher) withFallback(ctx context.Context, operation string, params map[string]any) models.ExecutionResult {
	result := d.withRetry(ctx, operation, params, models.ModalityAPI)
	if result.Success || !d.cfg.EnableFallback || ctx.Err() != nil {
		return result
	}

	d.warnf("precise surface failed for %s, falling back to vision: %s", operation, result.Error)
	d.bump(func(s *models.Stats) { s.Fallbacks++ })

	fallback := d.withRetry(ctx, operation, params, models.ModalityVision)
	fallback.FallbackUsed = true
	return fallback
}

// withRetry attempts the surface up to MaxRetries+1 times.
// A missing tool fails immediately without consuming an attempt.
func (d *Dispatcher) withRetry(ctx context.Context, operation string, params map[string]any, surface models.Modality) models.ExecutionResult {
	reg := d.precise
	if surface == models.ModalityVision {
		reg = d.resilient
	}

	retries := 0
	var lastErr string

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		d.countCall(surface)

		tool, ok := reg.Lookup(operation)
		if !ok {
			return models.ExecutionResult{
				Success:    false,
				Modality:   surface,
				Error:      fmt.Sprintf("%s tool not found: %s", surfaceLabel(surface), operation),
				RetryCount: retries,
			}
		}

		out := invoke(ctx, tool, params)
		if out.Success {
			return models.ExecutionResult{
				Success:    true,
				Modality:   surface,
				Output:     out.Output,
				RetryCount: retries,
			}
		}
		lastErr = out.Err
		d.debugf("%s attempt %d/%d for %s failed: %s", surface, attempt+1, d.cfg.MaxRetries+1, operation, lastErr)

		if attempt < d.cfg.MaxRetries {
			if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
				lastErr = fmt.Sprintf("%s (%v)", lastErr, err)
				break
			}
			retries++
			d.bump(func(s *models.Stats) { s.Retries++ })
		}
	}

	return models.ExecutionResult{
		Success:    false,
		Modality:   surface,
		Error:      fmt.Sprintf("operation %s failed after %d retries: %s", operation, retries, lastErr),
		RetryCount: retries,
	}
}

// invoke calls tool and turns a panic into a failed outcome, so a misbehaving
// tool costs one attempt like any other failure.
func invoke(ctx context.Context, tool registry.Tool, params map[string]any) (out registry.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = registry.Failed("tool panicked: %v", r)
		}
	}()
	return tool.Invoke(ctx, params)
}

func (d *Dispatcher) countCall(surface models.Modality) {
	d.bump(func(s *models.Stats) {
		if surface == models.ModalityVision {
			s.VisionCalls++
		} else {
			s.APICalls++
		}
	})
}

func (d *Dispatcher) bump(fn func(*models.Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() models.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// ResetStats zeroes every counter.
func (d *Dispatcher) ResetStats() {
	d.mu.Lock()
	d.stats = models.Stats{}
	d.mu.Unlock()
}

// Supported reports whether either registry has a tool under the exact name.
func (d *Dispatcher) Supported(operation string) bool {
	return d.precise.Has(operation) || d.resilient.Has(operation)
}

// Operations lists registered tools and the classification table.
type Operations struct {
	APITools    []string            `json:"api_tools"`
	VisionTools []string            `json:"vision_tools"`
	Table       map[string][]string `json:"classification"`
}

// AvailableOperations describes what this dispatcher can run.
func (d *Dispatcher) AvailableOperations() Operations {
	return Operations{
		APITools:    d.precise.Names(),
		VisionTools: d.resilient.Names(),
		Table:       d.table.Lists(),
	}
}

// Table returns the classification table in use.
func (d *Dispatcher) Table() classifier.Table {
	return d.table
}

func surfaceLabel(m models.Modality) string {
	if m == models.ModalityVision {
		return "vision"
	}
	return "api"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) debugf(format string, args ...any) {
	if d.logger != nil {
		d.logger.LogDebug(fmt.Sprintf(format, args...))
	}
}

func (d *Dispatcher) warnf(format string, args ...any) {
	if d.logger != nil {
		d.logger.LogWarn(fmt.Sprintf(format, args...))
	}
}
