// Package engine assembles the dispatcher, planner, executor and their stores
// from a loaded configuration. The CLI and the MCP server both drive it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harrison/cadpilot/internal/classifier"
	"github.com/harrison/cadpilot/internal/config"
	"github.com/harrison/cadpilot/internal/dispatcher"
	"github.com/harrison/cadpilot/internal/executor"
	"github.com/harrison/cadpilot/internal/generator"
	"github.com/harrison/cadpilot/internal/knowledge"
	"github.com/harrison/cadpilot/internal/learning"
	"github.com/harrison/cadpilot/internal/logger"
	"github.com/harrison/cadpilot/internal/models"
	"github.com/harrison/cadpilot/internal/planner"
	"github.com/harrison/cadpilot/internal/registry"
	"github.com/harrison/cadpilot/internal/simulate"
)

// ErrPlanRunning is returned when a plan is already being executed.
var ErrPlanRunning = errors.New("plan is already running")

type options struct {
	api, vision registry.Registry
	simOpts     simulate.Options
	generator   planner.Generator
	logger      logger.Logger
}

// Option configures an Engine.
type Option func(*options)

// WithRegistries runs operations against the given tool registries instead of the simulator.
func WithRegistries(api, vision registry.Registry) Option {
	return func(o *options) {
		o.api = api
		o.vision = vision
	}
}

// WithSimulator configures the simulated surfaces used when no registries are given.
func WithSimulator(opts simulate.Options) Option {
	return func(o *options) { o.simOpts = opts }
}

// WithGenerator plugs in a generative planner.
func WithGenerator(g planner.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithLogger sets the logger for every component. The default discards output.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Engine owns one dispatcher, one planner and the optional knowledge and history stores.
type Engine struct {
	cfg        *config.Config
	log        logger.Logger
	sim        *simulate.Simulator
	dispatcher *dispatcher.Dispatcher
	planner    *planner.Planner
	executor   *executor.Executor
	knowledge  *knowledge.Store
	history    *learning.Store

	mu      sync.Mutex
	running map[string]bool
}

// New builds an Engine from cfg. Paths in cfg must already be resolved.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.NewNoOpLogger()
	}

	e := &Engine{cfg: cfg, log: o.logger, running: make(map[string]bool)}

	api, vision := o.api, o.vision
	if api == nil && vision == nil {
		e.sim = simulate.New(o.simOpts)
		api, vision = e.sim.APIRegistry(), e.sim.VisionRegistry()
	}

	dcfg := dispatcher.Config{
		MaxRetries:     cfg.Dispatcher.MaxRetries,
		RetryDelay:     cfg.Dispatcher.RetryDelay,
		EnableFallback: cfg.Dispatcher.EnableFallback,
	}
	if c := cfg.Classification; c != nil {
		table := classifier.NewTable(c.APIOnly, c.VisionOnly, c.Hybrid)
		if overlaps := table.Overlaps(); len(overlaps) > 0 {
			e.log.LogWarn(fmt.Sprintf("Operations listed in more than one classification set: %s", strings.Join(overlaps, ", ")))
		}
		dcfg.Table = &table
	}
	e.dispatcher = dispatcher.New(api, vision, dcfg, e.log)

	if err := e.openStores(ctx); err != nil {
		e.Close()
		return nil, err
	}

	planOpts := []planner.Option{planner.WithLogger(e.log)}
	if e.knowledge != nil {
		planOpts = append(planOpts, planner.WithKnowledge(e.knowledge))
	}
	gen := o.generator
	if gen == nil && cfg.Planner.GeneratorCommand != "" {
		cmd := generator.New(cfg.Planner.GeneratorCommand, cfg.Planner.GeneratorArgs, cfg.Planner.GeneratorTimeout)
		cmd.Tools = append(api.Names(), vision.Names()...)
		gen = cmd
	}
	if gen != nil {
		planOpts = append(planOpts, planner.WithGenerator(gen))
	}
	if path := cfg.Planner.TemplatesFile; path != "" {
		custom, err := planner.LoadTemplates(path)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("load templates: %w", err)
		}
		// Project templates are tried before the built-in ones.
		planOpts = append(planOpts, planner.WithTemplates(append(custom, planner.BuiltinTemplates()...)))
	}
	e.planner = planner.New(planner.Config{
		UseTemplates:   cfg.Planner.UseTemplates,
		KnowledgeTopK:  cfg.Planner.KnowledgeTopK,
		ContextBudget:  cfg.Planner.ContextBudget,
		FallbackTool:   cfg.Planner.FallbackTool,
		StepMaxRetries: cfg.Executor.StepMaxRetries,
	}, planOpts...)

	var recorder executor.Recorder
	if e.history != nil {
		recorder = e.history
	}
	e.executor = executor.New(executor.Config{StopOnFailure: cfg.Executor.StopOnFailure}, e.log, recorder)

	return e, nil
}

func (e *Engine) openStores(ctx context.Context) error {
	if kc := e.cfg.Knowledge; kc.Enabled {
		store, err := knowledge.NewStore(kc.DBPath, knowledge.Options{
			ChunkSize:    kc.ChunkSize,
			MinScore:     kc.MinScore,
			CacheMaxCost: kc.CacheMaxCost,
		})
		if err != nil {
			return fmt.Errorf("open knowledge base: %w", err)
		}
		e.knowledge = store

		stats, err := store.Stats(ctx)
		if err != nil {
			return fmt.Errorf("read knowledge base: %w", err)
		}
		if stats.DocumentCount == 0 {
			if _, err := store.IndexBuiltin(ctx); err != nil {
				return fmt.Errorf("index built-in procedures: %w", err)
			}
			if kc.DocsDir != "" {
				if _, err := store.Index(ctx, kc.DocsDir); err != nil {
					e.log.LogWarn(fmt.Sprintf("Indexing %s: %v", kc.DocsDir, err))
				}
			}
		}
	}

	if lc := e.cfg.Learning; lc.Enabled {
		store, err := learning.NewStore(lc.DBPath)
		if err != nil {
			return fmt.Errorf("open execution history: %w", err)
		}
		e.history = store

		if lc.KeepExecutionsDays > 0 {
			removed, err := store.CleanupOldExecutions(ctx, lc.KeepExecutionsDays)
			if err != nil {
				e.log.LogWarn(fmt.Sprintf("Pruning execution history: %v", err))
			} else if removed > 0 {
				e.log.LogDebug(fmt.Sprintf("Pruned %d step executions older than %d days", removed, lc.KeepExecutionsDays))
			}
		}
	}
	return nil
}

// Close releases the stores. It is safe to call more than once.
func (e *Engine) Close() error {
	var errs []error
	if e.knowledge != nil {
		errs = append(errs, e.knowledge.Close())
		e.knowledge = nil
	}
	if e.history != nil {
		errs = append(errs, e.history.Close())
		e.history = nil
	}
	return errors.Join(errs...)
}

// CreatePlan builds a plan for request and adds it to the active-plan table.
func (e *Engine) CreatePlan(ctx context.Context, request string, fields map[string]any) *models.TaskPlan {
	return e.planner.CreatePlan(ctx, request, fields)
}

// Plan returns a snapshot of an active plan. The snapshot is safe to read and
// encode while the plan itself is running.
func (e *Engine) Plan(id string) (*models.TaskPlan, error) {
	plan, err := e.planner.Get(id)
	if err != nil {
		return nil, err
	}
	return plan.Snapshot(), nil
}

// Plans lists the active plans, oldest first.
func (e *Engine) Plans() []models.PlanSummary {
	return e.planner.List()
}

// RemovePlan drops a plan from the active-plan table. A running plan stays.
func (e *Engine) RemovePlan(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[id] {
		return fmt.Errorf("plan %s: %w", id, ErrPlanRunning)
	}
	return e.planner.Remove(id)
}

// ExecutePlan runs an active plan. The returned error is an
// *executor.ExecutionError when any step did not complete.
func (e *Engine) ExecutePlan(ctx context.Context, id string) (executor.RunReport, error) {
	plan, err := e.planner.Get(id)
	if err != nil {
		return executor.RunReport{}, err
	}
	return e.RunPlan(ctx, plan)
}

// RunPlan executes a plan that may not be in the active-plan table, such as
// one loaded from an exported file. A plan may only run once at a time.
func (e *Engine) RunPlan(ctx context.Context, plan *models.TaskPlan) (executor.RunReport, error) {
	if plan == nil {
		return executor.RunReport{}, fmt.Errorf("nil plan")
	}
	e.mu.Lock()
	if e.running[plan.ID] {
		e.mu.Unlock()
		return executor.RunReport{PlanID: plan.ID}, fmt.Errorf("plan %s: %w", plan.ID, ErrPlanRunning)
	}
	e.running[plan.ID] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.running, plan.ID)
		e.mu.Unlock()
	}()

	if err := models.ValidatePlan(plan); err != nil {
		return executor.RunReport{PlanID: plan.ID}, fmt.Errorf("plan %s: %w", plan.ID, err)
	}

	report := e.executor.Run(ctx, plan, e.dispatcher.Dispatch)
	return report, executor.PlanError(plan)
}

// Classify reports the modality an operation would run under.
func (e *Engine) Classify(operation string) models.Modality {
	return e.dispatcher.Classify(operation)
}

// Supported reports whether either surface can run operation.
func (e *Engine) Supported(operation string) bool {
	return e.dispatcher.Supported(operation)
}

// Operations describes both surfaces and the classification table.
func (e *Engine) Operations() dispatcher.Operations {
	return e.dispatcher.AvailableOperations()
}

// Execute runs a single operation through the dispatcher.
func (e *Engine) Execute(ctx context.Context, operation string, params map[string]any) models.ExecutionResult {
	return e.dispatcher.Execute(ctx, operation, params)
}

// Stats returns the dispatcher counters.
func (e *Engine) Stats() models.Stats {
	return e.dispatcher.Stats()
}

// ResetStats zeroes the dispatcher counters.
func (e *Engine) ResetStats() {
	e.dispatcher.ResetStats()
}

// Templates lists the planner's template names in match order.
func (e *Engine) Templates() []string {
	return e.planner.Templates()
}

// Knowledge returns the knowledge base, or nil when disabled.
func (e *Engine) Knowledge() *knowledge.Store {
	return e.knowledge
}

// History returns the execution history store, or nil when disabled.
func (e *Engine) History() *learning.Store {
	return e.history
}

// Simulator returns the simulated surfaces, or nil when real registries were given.
func (e *Engine) Simulator() *simulate.Simulator {
	return e.sim
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Config {
	return e.cfg
}
