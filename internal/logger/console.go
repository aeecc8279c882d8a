// Package logger provides logging implementations for cadpilot plan execution.
//
// The loggers report plan and step progress with [HH:MM:SS] prefixes and
// level filtering. Implementations are thread-safe and satisfy the executor,
// planner and dispatcher logging interfaces.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/cadpilot/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs execution progress to a writer with timestamps and thread safety.
// Color output is enabled only when the writer is a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal reports whether w is a TTY that should receive ANSI colors.
// NO_COLOR disables color through fatih/color.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

// logWithLevel writes "[HH:MM:SS] [LEVEL] message" if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	label := level
	if cl.colorOutput {
		label = levelColor(level).Sprint(level)
	}
	cl.write(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), label, message))
}

func levelColor(level string) *color.Color {
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack)
	case "DEBUG":
		return color.New(color.FgCyan)
	case "INFO":
		return color.New(color.FgBlue)
	case "WARN":
		return color.New(color.FgYellow)
	case "ERROR":
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func (cl *ConsoleLogger) write(s string) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.writer.Write([]byte(s))
}

func (cl *ConsoleLogger) paint(c color.Attribute, s string) string {
	if !cl.colorOutput {
		return s
	}
	return color.New(c).Sprint(s)
}

// LogPlanStart logs the start of a plan at INFO level.
// Format: "[HH:MM:SS] Starting plan <name> (<id>): <n> steps"
func (cl *ConsoleLogger) LogPlanStart(plan *models.TaskPlan) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	name := cl.paint(color.Bold, plan.Name)
	cl.write(fmt.Sprintf("[%s] Starting plan %s (%s): %d %s\n",
		timestamp(), name, shortID(plan.ID), len(plan.Steps), plural(len(plan.Steps), "step", "steps")))
}

// LogStepStart logs a step being dispatched at DEBUG level.
func (cl *ConsoleLogger) LogStepStart(step *models.TaskStep) {
	if cl.writer == nil || !cl.shouldLog("debug") {
		return
	}
	cl.write(fmt.Sprintf("[%s] Step %s (%s) -> %s\n", timestamp(), step.ID, step.Name, step.ToolName))
}

// LogStepRetry logs a step-level retry at WARN level.
func (cl *ConsoleLogger) LogStepRetry(step *models.TaskStep, result models.ExecutionResult) {
	if cl.writer == nil || !cl.shouldLog("warn") {
		return
	}
	tag := cl.paint(color.FgYellow, "RETRY")
	cl.write(fmt.Sprintf("[%s] [%s] %s retry %d/%d: %s\n",
		timestamp(), tag, step.ID, step.RetryCount, step.MaxRetries, result.Error))
}

// LogStepComplete logs a completed step at INFO level with the surface used.
// Format: "[HH:MM:SS] [OK] <id> <name> (<modality>[, fallback], <ms>)"
func (cl *ConsoleLogger) LogStepComplete(step *models.TaskStep, result models.ExecutionResult) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	tag := cl.paint(color.FgGreen, "OK")
	cl.write(fmt.Sprintf("[%s] [%s] %s %s (%s)\n", timestamp(), tag, step.ID, step.Name, describeResult(result)))
}

// LogStepFail logs a failed step at ERROR level.
func (cl *ConsoleLogger) LogStepFail(step *models.TaskStep, result models.ExecutionResult) {
	if cl.writer == nil || !cl.shouldLog("error") {
		return
	}
	tag := cl.paint(color.FgRed, "FAIL")
	cl.write(fmt.Sprintf("[%s] [%s] %s %s: %s\n", timestamp(), tag, step.ID, step.Name, result.Error))
}

// LogStepSkipped logs a step whose dependencies did not complete at WARN level.
func (cl *ConsoleLogger) LogStepSkipped(step *models.TaskStep, unmet []string) {
	if cl.writer == nil || !cl.shouldLog("warn") {
		return
	}
	tag := cl.paint(color.FgYellow, "SKIP")
	cl.write(fmt.Sprintf("[%s] [%s] %s %s: waiting on %s\n", timestamp(), tag, step.ID, step.Name, strings.Join(unmet, ", ")))
}

// LogPlanComplete logs the plan summary at INFO level.
func (cl *ConsoleLogger) LogPlanComplete(plan *models.TaskPlan, duration time.Duration) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	ts := timestamp()
	progress := plan.Progress()
	skipped := countStatus(plan, models.StatusSkipped)

	pb := NewProgressBar(progress.Total, 20, cl.colorOutput)
	pb.Update(progress.Completed)

	status := string(plan.Status)
	switch plan.Status {
	case models.StatusCompleted:
		status = cl.paint(color.FgGreen, status)
	case models.StatusFailed:
		status = cl.paint(color.FgRed, status)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s\n", ts, cl.paint(color.Bold, "=== Plan Summary ===")))
	sb.WriteString(fmt.Sprintf("[%s] Plan: %s (%s)\n", ts, plan.Name, status))
	sb.WriteString(fmt.Sprintf("[%s] Progress: %s\n", ts, pb.Render()))
	sb.WriteString(fmt.Sprintf("[%s] Completed: %d  Failed: %d  Skipped: %d\n", ts, progress.Completed, progress.Failed, skipped))
	sb.WriteString(fmt.Sprintf("[%s] Duration: %s\n", ts, formatDuration(duration)))

	if progress.Failed > 0 || skipped > 0 {
		sb.WriteString(fmt.Sprintf("[%s] %s\n", ts, cl.paint(color.FgRed, "Incomplete steps:")))
		for i := range plan.Steps {
			s := &plan.Steps[i]
			if s.Status == models.StatusFailed || s.Status == models.StatusSkipped {
				sb.WriteString(fmt.Sprintf("[%s]   - %s %s: %s\n", ts, s.ID, s.Status, s.Error))
			}
		}
	}
	cl.write(sb.String())
}

func describeResult(result models.ExecutionResult) string {
	parts := []string{string(result.Modality)}
	if result.FallbackUsed {
		parts = append(parts, "fallback")
	}
	if result.RetryCount > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", result.RetryCount, plural(result.RetryCount, "retry", "retries")))
	}
	parts = append(parts, fmt.Sprintf("%.1fms", result.ExecutionTimeMs))
	return strings.Join(parts, ", ")
}

func countStatus(plan *models.TaskPlan, status models.Status) int {
	n := 0
	for i := range plan.Steps {
		if plan.Steps[i].Status == status {
			n++
		}
	}
	return n
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "120ms", "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		minutes := (d % time.Hour) / time.Minute
		if minutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case d >= time.Minute:
		minutes := d / time.Minute
		seconds := (d % time.Minute) / time.Second
		if seconds == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	case d >= time.Second:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}
