// Package classifier maps operation names to an execution modality.
package classifier

import (
	"sort"
	"strings"

	"github.com/harrison/cadpilot/internal/models"
	"github.com/harrison/cadpilot/internal/registry"
)

// Table is the static classification of operation names.
// Names are stored normalized. A name may appear in more than one set;
// Classify resolves such ties in the order api_only, vision_only, hybrid.
type Table struct {
	APIOnly    map[string]struct{}
	VisionOnly map[string]struct{}
	Hybrid     map[string]struct{}
}

// NewTable builds a table from name lists, normalizing every entry.
func NewTable(apiOnly, visionOnly, hybrid []string) Table {
	return Table{
		APIOnly:    toSet(apiOnly),
		VisionOnly: toSet(visionOnly),
		Hybrid:     toSet(hybrid),
	}
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[Normalize(n)] = struct{}{}
	}
	return set
}

// Normalize case-folds a name and turns hyphens into underscores.
func Normalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "-", "_")
}

// Overlaps returns the names that belong to more than one set, sorted.
func (t Table) Overlaps() []string {
	seen := map[string]int{}
	for _, set := range []map[string]struct{}{t.APIOnly, t.VisionOnly, t.Hybrid} {
		for name := range set {
			seen[name]++
		}
	}
	var dup []string
	for name, n := range seen {
		if n > 1 {
			dup = append(dup, name)
		}
	}
	sort.Strings(dup)
	return dup
}

// Lists returns each set as a sorted slice, keyed by table section name.
func (t Table) Lists() map[string][]string {
	return map[string][]string{
		"api_only":    sortedKeys(t.APIOnly),
		"vision_only": sortedKeys(t.VisionOnly),
		"hybrid":      sortedKeys(t.Hybrid),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Classify picks the modality for an operation. First match wins:
// the three table sets (by normalized name), then membership of the
// unnormalized name in the precise and resilient registries, then hybrid.
func Classify(table Table, operation string, precise, resilient registry.Registry) models.Modality {
	name := Normalize(operation)

	if _, ok := table.APIOnly[name]; ok {
		return models.ModalityAPI
	}
	if _, ok := table.VisionOnly[name]; ok {
		return models.ModalityVision
	}
	if _, ok := table.Hybrid[name]; ok {
		return models.ModalityHybrid
	}

	if precise.Has(operation) {
		return models.ModalityAPI
	}
	if resilient.Has(operation) {
		return models.ModalityVision
	}

	return models.ModalityHybrid
}
