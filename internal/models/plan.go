package models

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// TaskPlan is an ordered, dependency-annotated list of steps derived from a request.
// Its structure is fixed once built; only statuses, results and the cursor change during a run.
// Runtime state is written under Update, and Progress, Summary, Snapshot and
// MarshalJSON read it under the same lock, so a running plan can be inspected.
// A TaskPlan must not be copied after first use.
type TaskPlan struct {
	mu sync.RWMutex


	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Steps            []TaskStep     `json:"steps"`
	Status           Status         `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Progress summarizes how far a plan has run.
type Progress struct {
	Total       int     `json:"total_steps"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	CurrentStep int     `json:"current_step"`
	Percent     float64 `json:"progress_percent"`
}

// PlanSummary is the listing form of a plan.
type PlanSummary struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Status   Status   `json:"status"`
	Progress Progress `json:"progress"`
}

// NewPlan builds a pending plan around the given steps.
func NewPlan(name, description string, steps []TaskStep, metadata map[string]any) *TaskPlan {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &TaskPlan{
		Name:        name,
		Description: description,
		Steps:       steps,
		Status:      StatusPending,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}
}

// CurrentStep returns the step under the cursor, or nil when the cursor is out of range.
func (p *TaskPlan) CurrentStep() *TaskStep {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.CurrentStepIndex >= 0 && p.CurrentStepIndex < len(p.Steps) {
		return &p.Steps[p.CurrentStepIndex]
	}
	return nil
}

// Advance moves the cursor forward by one unless it already sits on the last step.
func (p *TaskPlan) Advance() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CurrentStepIndex < len(p.Steps)-1 {
		p.CurrentStepIndex++
		return true
	}
	return false
}

// Update applies fn to the plan's runtime state under the write lock.
// fn must not call other locking methods of the plan.
func (p *TaskPlan) Update(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// Progress computes step counts and the completion percentage.
func (p *TaskPlan) Progress() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.progressLocked()
}

func (p *TaskPlan) progressLocked() Progress {
	prog := Progress{
		Total:       len(p.Steps),
		CurrentStep: p.CurrentStepIndex,
	}
	for i := range p.Steps {
		switch p.Steps[i].Status {
		case StatusCompleted:
			prog.Completed++
		case StatusFailed:
			prog.Failed++
		}
	}
	if prog.Total > 0 {
		prog.Percent = float64(prog.Completed) / float64(prog.Total) * 100
	}
	return prog
}

// StepByID resolves a step in this plan.
func (p *TaskPlan) StepByID(id string) (*TaskStep, error) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], nil
		}
	}
	return nil, fmt.Errorf("plan %s: %w: %s", p.ID, ErrStepNotFound, id)
}

// Summary returns the listing form of the plan.
func (p *TaskPlan) Summary() PlanSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PlanSummary{
		ID:       p.ID,
		Name:     p.Name,
		Status:   p.Status,
		Progress: p.progressLocked(),
	}
}

// Snapshot returns a copy of the plan, runtime state included, that shares
// nothing mutable with p.
func (p *TaskPlan) Snapshot() *TaskPlan {
	p.mu.RLock()
	defer p.mu.RUnlock()

	steps := make([]TaskStep, len(p.Steps))
	for i, step := range p.Steps {
		steps[i] = step
		steps[i].Parameters = copyMap(step.Parameters)
		steps[i].DependsOn = append([]string(nil), step.DependsOn...)
	}
	return &TaskPlan{
		ID:               p.ID,
		Name:             p.Name,
		Description:      p.Description,
		Steps:            steps,
		Status:           p.Status,
		CurrentStepIndex: p.CurrentStepIndex,
		Metadata:         copyMap(p.Metadata),
		CreatedAt:        p.CreatedAt,
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MarshalJSON adds the computed progress to the plan's JSON projection.
func (p *TaskPlan) MarshalJSON() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	type planAlias TaskPlan
	return json.Marshal(struct {
		*planAlias
		Progress Progress `json:"progress"`
	}{
		planAlias: (*planAlias)(p),
		Progress:  p.progressLocked(),
	})
}

// ValidatePlan checks step ids and the dependency graph.
// Besides unknown ids and cycles it rejects dependencies on steps declared later,
// because the executor walks steps in declaration order and would skip them.
func ValidatePlan(p *TaskPlan) error {
	if p == nil {
		return fmt.Errorf("plan cannot be nil")
	}

	position := make(map[string]int, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if err := step.Validate(); err != nil {
			return err
		}
		if _, dup := position[step.ID]; dup {
			return fmt.Errorf("step %s: duplicate step id", step.ID)
		}
		position[step.ID] = i
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("step %s (%s): depends on itself", step.ID, step.Name)
			}
			pos, ok := position[dep]
			if !ok {
				return fmt.Errorf("step %s (%s): depends on non-existent step %s", step.ID, step.Name, dep)
			}
			if pos > i {
				return fmt.Errorf("step %s (%s): depends on step %s declared after it", step.ID, step.Name, dep)
			}
		}
	}

	if HasCyclicDependencies(p.Steps) {
		return fmt.Errorf("plan %s: circular dependency detected", p.ID)
	}
	return nil
}

// HasCyclicDependencies detects circular dependencies between steps
// using DFS with color marking (white=unvisited, gray=visiting, black=visited).
func HasCyclicDependencies(steps []TaskStep) bool {
	graph := make(map[string][]string, len(steps))
	known := make(map[string]bool, len(steps))
	for _, step := range steps {
		known[step.ID] = true
		graph[step.ID] = nil
	}

	// Edge B -> A when A depends on B.
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return true
			}
			if known[dep] {
				graph[dep] = append(graph[dep], step.ID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(steps))

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, next := range graph[node] {
			if colors[next] == gray {
				return true
			}
			if colors[next] == white && dfs(next) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for _, step := range steps {
		if colors[step.ID] == white && dfs(step.ID) {
			return true
		}
	}
	return false
}
