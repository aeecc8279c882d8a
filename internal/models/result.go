package models

import (
	"fmt"
	"strings"
)

// Modality identifies which execution surface handles an operation.
type Modality string

// Execution modalities.
const (
	ModalityAPI    Modality = "api"    // Precise surface: typed calls into the CAD application
	ModalityVision Modality = "vision" // Resilient surface: capture, detection and synthetic input
	ModalityHybrid Modality = "hybrid" // Precise first, resilient on failure
)

// ParseModality converts a user-supplied string into a Modality.
func ParseModality(s string) (Modality, error) {
	switch Modality(strings.ToLower(strings.TrimSpace(s))) {
	case ModalityAPI:
		return ModalityAPI, nil
	case ModalityVision:
		return ModalityVision, nil
	case ModalityHybrid:
		return ModalityHybrid, nil
	default:
		return "", fmt.Errorf("unknown modality %q (want api, vision or hybrid)", s)
	}
}

// ExecutionResult is the outcome of a single dispatcher call.
// Modality records the surface that produced the result, not the one requested.
type ExecutionResult struct {
	Success         bool     `json:"success"`
	Modality        Modality `json:"modality"`
	Output          any      `json:"output,omitempty"`
	Error           string   `json:"error,omitempty"`
	FallbackUsed    bool     `json:"fallback_used"`
	RetryCount      int      `json:"retry_count"`
	ExecutionTimeMs float64  `json:"execution_time_ms"`
}

// Stats holds the dispatcher's running counters.
type Stats struct {
	APICalls    int `json:"api_calls"`
	VisionCalls int `json:"vision_calls"`
	Fallbacks   int `json:"fallbacks"`
	Retries     int `json:"retries"`
	Failures    int `json:"failures"`
}
