// Package planner turns a free-form request into a TaskPlan by trying a
// template match, then knowledge-augmented generation, then a minimal
// fallback plan. Created plans are kept in a table of active plans.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/harrison/cadpilot/internal/knowledge"
	"github.com/harrison/cadpilot/internal/models"
)

// Planning defaults.
const (
	DefaultKnowledgeTopK = 2
	DefaultContextBudget = 2000
	DefaultFallbackTool  = "execute_request"
)

// ErrPlanNotFound is returned when a plan id is not in the active-plan table.
var ErrPlanNotFound = errors.New("plan not found")

// Knowledge retrieves reference snippets for a request.
type Knowledge interface {
	Search(ctx context.Context, query string, topK int) ([]knowledge.Result, error)
	FormatContext(results []knowledge.Result, maxChars int) string
}

// Generator produces a plan from a request and retrieved context.
// It returns nil, nil when it cannot plan the request. Steps with MaxRetries
// set to models.InheritMaxRetries get the planner's StepMaxRetries.
type Generator interface {
	GeneratePlan(ctx context.Context, request, knowledgeContext string, fields map[string]any) (*models.TaskPlan, error)
}

// Logger receives planner diagnostics.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
}

// Config controls plan construction.
type Config struct {
	UseTemplates   bool
	KnowledgeTopK  int
	ContextBudget  int
	FallbackTool   string
	StepMaxRetries int
}

// DefaultConfig returns a configuration with templates enabled.
func DefaultConfig() Config {
	return Config{
		UseTemplates:   true,
		KnowledgeTopK:  DefaultKnowledgeTopK,
		ContextBudget:  DefaultContextBudget,
		FallbackTool:   DefaultFallbackTool,
		StepMaxRetries: models.DefaultStepMaxRetries,
	}
}

// Option configures a Planner.
type Option func(*Planner)

// WithKnowledge sets the knowledge collaborator.
func WithKnowledge(k Knowledge) Option {
	return func(p *Planner) { p.knowledge = k }
}

// WithGenerator sets the generative planning collaborator.
func WithGenerator(g Generator) Option {
	return func(p *Planner) { p.generator = g }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithTemplates replaces the template library. Templates are tried in order.
func WithTemplates(templates []Template) Option {
	return func(p *Planner) { p.templates = templates }
}

// Planner builds plans and keeps the active-plan table.
type Planner struct {
	cfg       Config
	templates []Template
	knowledge Knowledge
	generator Generator
	logger    Logger

	mu    sync.RWMutex
	plans map[string]*models.TaskPlan
	order []string
}

// New creates a Planner using the built-in templates unless WithTemplates is given.
func New(cfg Config, opts ...Option) *Planner {
	if cfg.KnowledgeTopK <= 0 {
		cfg.KnowledgeTopK = DefaultKnowledgeTopK
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = DefaultContextBudget
	}
	if cfg.FallbackTool == "" {
		cfg.FallbackTool = DefaultFallbackTool
	}
	if cfg.StepMaxRetries < 0 {
		cfg.StepMaxRetries = 0
	}

	p := &Planner{
		cfg:   cfg,
		plans: make(map[string]*models.TaskPlan),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.templates == nil {
		p.templates = BuiltinTemplates()
	}
	return p
}

// Templates returns the names of the templates in match order.
func (p *Planner) Templates() []string {
	names := make([]string, len(p.templates))
	for i := range p.templates {
		names[i] = p.templates[i].Name
	}
	return names
}

// CreatePlan builds a plan for request and registers it under a fresh id.
// Collaborator failures are logged and never fail the call.
func (p *Planner) CreatePlan(ctx context.Context, request string, fields map[string]any) *models.TaskPlan {
	p.infof("Creating plan for %q", request)

	plan := p.fromTemplate(request, fields)
	if plan == nil {
		plan = p.generate(ctx, request, fields)
	}
	if plan == nil {
		plan = p.fallbackPlan(request)
	}

	plan.ID = uuid.New().String()
	if plan.Metadata == nil {
		plan.Metadata = map[string]any{}
	}
	plan.Metadata["request"] = request

	p.mu.Lock()
	p.plans[plan.ID] = plan
	p.order = append(p.order, plan.ID)
	p.mu.Unlock()

	p.infof("Plan %s (%s): %d steps", plan.Name, plan.ID, len(plan.Steps))
	return plan
}

func (p *Planner) fromTemplate(request string, fields map[string]any) *models.TaskPlan {
	if !p.cfg.UseTemplates {
		return nil
	}
	lower := strings.ToLower(request)
	for i := range p.templates {
		t := &p.templates[i]
		if !t.Matches(lower) {
			continue
		}
		plan, unresolved := t.Instantiate(request, fields, p.cfg.StepMaxRetries)
		if len(unresolved) > 0 {
			p.warnf("Template %s left placeholders unresolved: %s", t.Name, strings.Join(unresolved, ", "))
		}
		p.debugf("Matched template %s", t.Name)
		return plan
	}
	return nil
}

// generate asks the generator for a plan, passing retrieved knowledge along.
// Any failure is logged and yields nil so the fallback plan is used.
func (p *Planner) generate(ctx context.Context, request string, fields map[string]any) *models.TaskPlan {
	if p.generator == nil {
		return nil
	}

	knowledgeContext := ""
	if p.knowledge != nil {
		results, err := p.knowledge.Search(ctx, request, p.cfg.KnowledgeTopK)
		if err != nil {
			p.warnf("Knowledge search failed: %v", err)
		} else {
			knowledgeContext = p.knowledge.FormatContext(results, p.cfg.ContextBudget)
			p.debugf("Retrieved %d knowledge snippets", len(results))
		}
	}

	plan, err := p.safeGenerate(ctx, request, knowledgeContext, fields)
	if err != nil {
		p.warnf("Plan generation failed: %v", err)
		return nil
	}
	if plan == nil {
		p.debugf("Generator declined request")
		return nil
	}

	// Generated steps start from scratch whatever state the generator reported.
	for i := range plan.Steps {
		step := plan.Steps[i].Clone()
		if step.MaxRetries == models.InheritMaxRetries {
			step.MaxRetries = p.cfg.StepMaxRetries
		}
		plan.Steps[i] = step
	}
	if err := models.ValidatePlan(plan); err != nil {
		p.warnf("Discarding generated plan: %v", err)
		return nil
	}

	plan.Status = models.StatusPending
	plan.CurrentStepIndex = 0
	if plan.Metadata == nil {
		plan.Metadata = map[string]any{}
	}
	plan.Metadata["generated"] = true
	return plan
}

func (p *Planner) safeGenerate(ctx context.Context, request, knowledgeContext string, fields map[string]any) (plan *models.TaskPlan, err error) {
	defer func() {
		if r := recover(); r != nil {
			plan, err = nil, fmt.Errorf("generator panicked: %v", r)
		}
	}()
	return p.generator.GeneratePlan(ctx, request, knowledgeContext, fields)
}

// fallbackPlan initializes a part on the precise surface, then hands the
// request text to a hybrid step for best-effort resolution.
func (p *Planner) fallbackPlan(request string) *models.TaskPlan {
	setup := models.NewStep("step_1", "Create document", "Create a new Part document",
		models.StepAPI, "create_new_part", map[string]any{"visible": true})
	run := models.NewStep("step_2", "Execute request", request,
		models.StepHybrid, p.cfg.FallbackTool, map[string]any{"query": request}, "step_1")
	setup.MaxRetries = p.cfg.StepMaxRetries
	run.MaxRetries = p.cfg.StepMaxRetries

	return models.NewPlan("Basic task plan", request, []models.TaskStep{setup, run},
		map[string]any{"type": "basic"})
}

// Get returns an active plan by id.
func (p *Planner) Get(id string) (*models.TaskPlan, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	plan, ok := p.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return plan, nil
}

// List returns summaries of all active plans, oldest first.
func (p *Planner) List() []models.PlanSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.PlanSummary, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.plans[id].Summary())
	}
	return out
}

// Remove drops a plan from the active-plan table.
func (p *Planner) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.plans[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	delete(p.plans, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

func (p *Planner) debugf(format string, args ...any) {
	if p.logger != nil {
		p.logger.LogDebug(fmt.Sprintf(format, args...))
	}
}

func (p *Planner) infof(format string, args ...any) {
	if p.logger != nil {
		p.logger.LogInfo(fmt.Sprintf(format, args...))
	}
}

func (p *Planner) warnf(format string, args ...any) {
	if p.logger != nil {
		p.logger.LogWarn(fmt.Sprintf(format, args...))
	}
}
