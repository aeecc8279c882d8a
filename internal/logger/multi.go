package logger

import (
	"time"

	"github.com/harrison/cadpilot/internal/models"
)

// Logger is the union of the message and plan-event methods every logger here implements.
type Logger interface {
	LogTrace(message string)
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)

	LogPlanStart(plan *models.TaskPlan)
	LogStepStart(step *models.TaskStep)
	LogStepRetry(step *models.TaskStep, result models.ExecutionResult)
	LogStepComplete(step *models.TaskStep, result models.ExecutionResult)
	LogStepFail(step *models.TaskStep, result models.ExecutionResult)
	LogStepSkipped(step *models.TaskStep, unmet []string)
	LogPlanComplete(plan *models.TaskPlan, duration time.Duration)
}

// MultiLogger fans every call out to several loggers in order.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger drops nil entries.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

func (m *MultiLogger) each(fn func(Logger)) {
	for _, l := range m.loggers {
		fn(l)
	}
}

func (m *MultiLogger) LogTrace(message string) { m.each(func(l Logger) { l.LogTrace(message) }) }
func (m *MultiLogger) LogDebug(message string) { m.each(func(l Logger) { l.LogDebug(message) }) }
func (m *MultiLogger) LogInfo(message string)  { m.each(func(l Logger) { l.LogInfo(message) }) }
func (m *MultiLogger) LogWarn(message string)  { m.each(func(l Logger) { l.LogWarn(message) }) }
func (m *MultiLogger) LogError(message string) { m.each(func(l Logger) { l.LogError(message) }) }

func (m *MultiLogger) LogPlanStart(plan *models.TaskPlan) {
	m.each(func(l Logger) { l.LogPlanStart(plan) })
}

func (m *MultiLogger) LogStepStart(step *models.TaskStep) {
	m.each(func(l Logger) { l.LogStepStart(step) })
}

func (m *MultiLogger) LogStepRetry(step *models.TaskStep, result models.ExecutionResult) {
	m.each(func(l Logger) { l.LogStepRetry(step, result) })
}

func (m *MultiLogger) LogStepComplete(step *models.TaskStep, result models.ExecutionResult) {
	m.each(func(l Logger) { l.LogStepComplete(step, result) })
}

func (m *MultiLogger) LogStepFail(step *models.TaskStep, result models.ExecutionResult) {
	m.each(func(l Logger) { l.LogStepFail(step, result) })
}

func (m *MultiLogger) LogStepSkipped(step *models.TaskStep, unmet []string) {
	m.each(func(l Logger) { l.LogStepSkipped(step, unmet) })
}

func (m *MultiLogger) LogPlanComplete(plan *models.TaskPlan, duration time.Duration) {
	m.each(func(l Logger) { l.LogPlanComplete(plan, duration) })
}

// NoOpLogger is a Logger implementation that discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) LogTrace(message string)                                              {}
func (n *NoOpLogger) LogDebug(message string)                                              {}
func (n *NoOpLogger) LogInfo(message string)                                               {}
func (n *NoOpLogger) LogWarn(message string)                                               {}
func (n *NoOpLogger) LogError(message string)                                              {}
func (n *NoOpLogger) LogPlanStart(plan *models.TaskPlan)                                   {}
func (n *NoOpLogger) LogStepStart(step *models.TaskStep)                                   {}
func (n *NoOpLogger) LogStepRetry(step *models.TaskStep, result models.ExecutionResult)    {}
func (n *NoOpLogger) LogStepComplete(step *models.TaskStep, result models.ExecutionResult) {}
func (n *NoOpLogger) LogStepFail(step *models.TaskStep, result models.ExecutionResult)     {}
func (n *NoOpLogger) LogStepSkipped(step *models.TaskStep, unmet []string)                 {}
func (n *NoOpLogger) LogPlanComplete(plan *models.TaskPlan, duration time.Duration)        {}

var (
	_ Logger = (*ConsoleLogger)(nil)
	_ Logger = (*FileLogger)(nil)
	_ Logger = (*MultiLogger)(nil)
	_ Logger = (*NoOpLogger)(nil)
)
