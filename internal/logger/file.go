package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/cadpilot/internal/filelock"
	"github.com/harrison/cadpilot/internal/models"
)

// FileLogger logs plan events to files under a log directory.
// It creates a timestamped run log, writes a JSON snapshot of each finished
// plan under plans/, and maintains a latest.log symlink to the newest run.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	plansDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLoggerWithDir creates a FileLogger at info level.
func NewFileLoggerWithDir(logDir string) (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(logDir, "info")
}

// NewFileLoggerWithDirAndLevel creates a FileLogger with a custom log directory and level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	plansDir := filepath.Join(logDir, "plans")
	if err := os.MkdirAll(plansDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plans directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log; nanoseconds keep loggers created in the same second apart.
	now := time.Now()
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s-%09d.log", now.Format("20060102-150405"), now.Nanosecond()))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		plansDir: plansDir,
		logLevel: normalizeLogLevel(logLevel),
	}

	fl.writeRunLog("=== cadpilot Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", now.Format(time.RFC3339)))

	return fl, nil
}

// RunFile returns the path of the current run log.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) {
	fl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.logWithLevel("ERROR", message)
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogPlanStart records the plan header and its steps at INFO level.
func (fl *FileLogger) LogPlanStart(plan *models.TaskPlan) {
	if !fl.shouldLog("info") {
		return
	}
	ts := timestamp()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] Starting plan %s (%s): %d steps\n", ts, plan.Name, plan.ID, len(plan.Steps)))
	for i := range plan.Steps {
		s := &plan.Steps[i]
		deps := ""
		if len(s.DependsOn) > 0 {
			deps = " after " + strings.Join(s.DependsOn, ",")
		}
		sb.WriteString(fmt.Sprintf("[%s]   %s %s [%s] %s%s\n", ts, s.ID, s.Name, s.StepType, s.ToolName, deps))
	}
	fl.writeRunLog(sb.String())
}

// LogStepStart logs a dispatched step at DEBUG level, including its parameters.
func (fl *FileLogger) LogStepStart(step *models.TaskStep) {
	if !fl.shouldLog("debug") {
		return
	}
	params, err := json.Marshal(step.Parameters)
	if err != nil {
		params = []byte(fmt.Sprintf("%v", step.Parameters))
	}
	fl.writeRunLog(fmt.Sprintf("[%s] Step %s -> %s %s\n", timestamp(), step.ID, step.ToolName, params))
}

// LogStepRetry logs a step-level retry at WARN level.
func (fl *FileLogger) LogStepRetry(step *models.TaskStep, result models.ExecutionResult) {
	if !fl.shouldLog("warn") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [RETRY] %s retry %d/%d: %s\n", timestamp(), step.ID, step.RetryCount, step.MaxRetries, result.Error))
}

// LogStepComplete logs a completed step at INFO level.
func (fl *FileLogger) LogStepComplete(step *models.TaskStep, result models.ExecutionResult) {
	if !fl.shouldLog("info") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [OK] %s %s (%s)\n", timestamp(), step.ID, step.Name, describeResult(result)))
}

// LogStepFail logs a failed step at ERROR level.
func (fl *FileLogger) LogStepFail(step *models.TaskStep, result models.ExecutionResult) {
	if !fl.shouldLog("error") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [FAIL] %s %s (%s): %s\n", timestamp(), step.ID, step.Name, describeResult(result), result.Error))
}

// LogStepSkipped logs a skipped step at WARN level.
func (fl *FileLogger) LogStepSkipped(step *models.TaskStep, unmet []string) {
	if !fl.shouldLog("warn") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [SKIP] %s %s: waiting on %s\n", timestamp(), step.ID, step.Name, strings.Join(unmet, ", ")))
}

// LogPlanComplete writes the summary and a JSON snapshot of the plan to plans/<id>.json.
func (fl *FileLogger) LogPlanComplete(plan *models.TaskPlan, duration time.Duration) {
	if fl.shouldLog("info") {
		p := plan.Progress()
		ts := timestamp()
		fl.writeRunLog(fmt.Sprintf("[%s] === Plan Summary ===\n[%s] Plan: %s (%s)\n[%s] Completed: %d/%d  Failed: %d\n[%s] Duration: %.1fs\n",
			ts, ts, plan.Name, plan.Status, ts, p.Completed, p.Total, p.Failed, ts, duration.Seconds()))
	}

	if plan.ID == "" {
		return
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		fl.LogWarn(fmt.Sprintf("failed to encode plan snapshot: %v", err))
		return
	}
	path := filepath.Join(fl.plansDir, plan.ID+".json")
	if err := filelock.AtomicWrite(path, data); err != nil {
		fl.LogWarn(fmt.Sprintf("failed to write plan snapshot: %v", err))
	}
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}
	return nil
}

func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		fl.runLog.Sync()
	}
}
