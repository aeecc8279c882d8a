package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// FailureAnalysis summarizes how a tool has been failing
type FailureAnalysis struct {
	ToolName          string
	TotalAttempts     int
	FailedAttempts    int
	FallbackAttempts  int
	CommonPatterns    []string
	SuggestedApproach string
	PreferVision      bool
}

// failureKeywords maps a failure category to error-text fragments that signal it.
var failureKeywords = map[string][]string{
	"tool_not_found":    {"tool not found"},
	"timeout":           {"timeout", "timed out", "deadline exceeded"},
	"no_active_part":    {"no active part", "no active document", "part not open"},
	"element_not_found": {"element not found", "not visible", "could not locate"},
	"window_not_found":  {"window not found", "no window", "activate_window"},
	"invalid_geometry":  {"sketch not closed", "invalid geometry", "zero thickness", "self-intersect"},
	"connection":        {"connection refused", "com server", "bridge", "disconnected"},
	"invalid_parameter": {"invalid parameter", "missing parameter", "must be positive", "required"},
	"runtime_error":     {"panic", "nil pointer", "panicked"},
}

var patternSuggestions = map[string]string{
	"tool_not_found":    "Register the tool on the precise or resilient surface, or rename the plan step.",
	"timeout":           "Raise dispatcher.retry_delay or reduce the step's workload.",
	"no_active_part":    "Add a create_new_part step before geometry steps.",
	"element_not_found": "Capture the screen and re-detect UI elements before clicking.",
	"window_not_found":  "Activate the CAD window before vision steps.",
	"invalid_geometry":  "Check sketch dimensions and profile closure before padding or pocketing.",
	"connection":        "Verify the CAD application is running and reachable.",
	"invalid_parameter": "Check the step parameters against the tool's expected arguments.",
	"runtime_error":     "Inspect the tool implementation; it crashed instead of reporting a failure.",
}

// AnalyzeToolFailures examines a tool's history to identify failure patterns.
func (s *Store) AnalyzeToolFailures(ctx context.Context, toolName string) (*FailureAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	analysis := &FailureAnalysis{
		ToolName:       toolName,
		CommonPatterns: make([]string, 0),
	}

	history, err := s.GetToolHistory(ctx, toolName, 0)
	if err != nil {
		return nil, fmt.Errorf("get tool history: %w", err)
	}
	if len(history) == 0 {
		return analysis, nil
	}

	analysis.TotalAttempts = len(history)
	var messages []string
	for _, exec := range history {
		if exec.FallbackUsed {
			analysis.FallbackAttempts++
		}
		if !exec.Success {
			analysis.FailedAttempts++
			if exec.ErrorMessage != "" {
				messages = append(messages, exec.ErrorMessage)
			}
		}
	}

	analysis.CommonPatterns = extractFailurePatterns(messages)

	// Fallback rescuing most attempts means the precise tool is unreliable here.
	analysis.PreferVision = analysis.FallbackAttempts*2 > analysis.TotalAttempts

	if analysis.FailedAttempts >= 2 {
		analysis.SuggestedApproach = generateApproachSuggestion(analysis.CommonPatterns)
	}
	return analysis, nil
}

// extractFailurePatterns identifies failure categories from error messages.
func extractFailurePatterns(messages []string) []string {
	matched := make(map[string]bool)
	for _, msg := range messages {
		lower := strings.ToLower(msg)
		for pattern, keywords := range failureKeywords {
			if matched[pattern] {
				continue
			}
			for _, keyword := range keywords {
				if strings.Contains(lower, keyword) {
					matched[pattern] = true
					break
				}
			}
		}
	}

	result := make([]string, 0, len(matched))
	for pattern := range matched {
		result = append(result, pattern)
	}
	sort.Strings(result)
	return result
}

func generateApproachSuggestion(patterns []string) string {
	if len(patterns) == 0 {
		return "Repeated failures without a recognizable pattern; inspect the error messages with `cadpilot history --tool`."
	}

	var suggestions []string
	for _, pattern := range patterns {
		if suggestion, ok := patternSuggestions[pattern]; ok {
			suggestions = append(suggestions, suggestion)
		}
	}
	return fmt.Sprintf("Detected patterns: %s\n\n%s", strings.Join(patterns, ", "), strings.Join(suggestions, "\n"))
}
