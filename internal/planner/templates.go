package planner

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harrison/cadpilot/internal/models"
)

//go:embed templates.yaml
var builtinTemplatesYAML []byte

// dimensionToken matches an "LxWxH" token. Separators may be x, X, × or *,
// each value may carry a decimal part and an "mm" suffix.
var dimensionToken = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:mm)?\s*[xX×*]\s*(\d+(?:\.\d+)?)\s*(?:mm)?\s*[xX×*]\s*(\d+(?:\.\d+)?)`)

// placeholder matches "${name}" inside a parameter value.
var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Template is a parametric plan skeleton matched against request text.
type Template struct {
	Name        string             `yaml:"name"`
	Keywords    []string           `yaml:"keywords"`
	PlanName    string             `yaml:"plan_name"`
	Description string             `yaml:"description"`
	Dimensions  []string           `yaml:"dimensions"`
	SizePattern string             `yaml:"size_pattern"`
	Defaults    map[string]float64 `yaml:"defaults"`
	Steps       []models.TaskStep  `yaml:"steps"`

	sizeRe *regexp.Regexp
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// BuiltinTemplates returns the templates shipped with the binary.
func BuiltinTemplates() []Template {
	templates, err := ParseTemplates(builtinTemplatesYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in templates: %v", err))
	}
	return templates
}

// LoadTemplates reads a YAML template library from path.
func LoadTemplates(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}
	templates, err := ParseTemplates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return templates, nil
}

// ParseTemplates decodes and validates a YAML template library.
func ParseTemplates(data []byte) ([]Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	for i := range file.Templates {
		if err := file.Templates[i].compile(); err != nil {
			return nil, err
		}
	}
	return file.Templates, nil
}

func (t *Template) compile() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if len(t.Keywords) == 0 {
		return fmt.Errorf("template %s: at least one keyword is required", t.Name)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s: at least one step is required", t.Name)
	}
	if len(t.Dimensions) > 3 {
		return fmt.Errorf("template %s: at most 3 dimensions can be bound, got %d", t.Name, len(t.Dimensions))
	}
	if t.SizePattern != "" {
		re, err := regexp.Compile("(?i)" + t.SizePattern)
		if err != nil {
			return fmt.Errorf("template %s: invalid size_pattern: %w", t.Name, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("template %s: size_pattern needs a capture group", t.Name)
		}
		t.sizeRe = re
	}

	skeleton := models.NewPlan(t.Name, t.Description, t.instantiateSteps(nil, 0), nil)
	if err := models.ValidatePlan(skeleton); err != nil {
		return fmt.Errorf("template %s: %w", t.Name, err)
	}
	return nil
}

// Matches reports whether any keyword occurs in the lower-cased request.
func (t *Template) Matches(lowerRequest string) bool {
	for _, kw := range t.Keywords {
		if kw != "" && strings.Contains(lowerRequest, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ResolveDimensions binds every dimension from, in order: an LxWxH token in
// the request, the template's single-size pattern, a named entry in fields, and
// the template default. Dimensions missing from all four are left unbound.
func (t *Template) ResolveDimensions(request string, fields map[string]any) map[string]float64 {
	dims := make(map[string]float64, len(t.Dimensions))

	if m := dimensionToken.FindStringSubmatch(request); m != nil {
		for i, name := range t.Dimensions {
			if v, err := strconv.ParseFloat(m[i+1], 64); err == nil {
				dims[name] = v
			}
		}
		return dims
	}

	if t.sizeRe != nil {
		if m := t.sizeRe.FindStringSubmatch(request); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				for _, name := range t.Dimensions {
					dims[name] = v
				}
				return dims
			}
		}
	}

	for _, name := range t.Dimensions {
		if v, ok := toFloat(fields[name]); ok {
			dims[name] = v
		} else if v, ok := t.Defaults[name]; ok {
			dims[name] = v
		}
	}
	return dims
}

// Instantiate builds a pending plan from the template for request.
func (t *Template) Instantiate(request string, fields map[string]any, maxRetries int) (*models.TaskPlan, []string) {
	dims := t.ResolveDimensions(request, fields)

	values := map[string]any{"request": request}
	for k, v := range fields {
		values[k] = v
	}
	for k, v := range dims {
		values[k] = v
	}

	steps := t.instantiateSteps(values, maxRetries)
	var unresolved []string
	for i := range steps {
		unresolved = append(unresolved, unresolvedPlaceholders(steps[i].Parameters)...)
	}

	dimensions := make(map[string]any, len(dims))
	for k, v := range dims {
		dimensions[k] = v
	}
	plan := models.NewPlan(
		interpolate(t.PlanName, values),
		interpolate(t.Description, values),
		steps,
		map[string]any{"template": t.Name, "dimensions": dimensions},
	)
	if plan.Name == "" {
		plan.Name = t.Name
	}
	return plan, unresolved
}

func (t *Template) instantiateSteps(values map[string]any, maxRetries int) []models.TaskStep {
	steps := make([]models.TaskStep, len(t.Steps))
	for i, s := range t.Steps {
		step := s.Clone()
		if step.StepType == "" {
			step.StepType = models.StepAPI
		}
		step.MaxRetries = maxRetries
		for k, v := range step.Parameters {
			step.Parameters[k] = substitute(v, values)
		}
		steps[i] = step
	}
	return steps
}

// substitute replaces placeholders in v. A string that is exactly one
// placeholder takes the bound value itself, so dimensions stay numeric;
// placeholders embedded in longer strings are interpolated as text.
func substitute(v any, values map[string]any) any {
	switch val := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatch(val); m != nil && m[0] == val {
			if bound, ok := values[m[1]]; ok {
				return bound
			}
			return val
		}
		return interpolate(val, values)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = substitute(item, values)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substitute(item, values)
		}
		return out
	default:
		return v
	}
}

func interpolate(s string, values map[string]any) string {
	return placeholder.ReplaceAllStringFunc(s, func(ph string) string {
		name := ph[2 : len(ph)-1]
		if bound, ok := values[name]; ok {
			return formatValue(bound)
		}
		return ph
	})
}

func formatValue(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func unresolvedPlaceholders(params map[string]any) []string {
	var out []string
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range placeholder.FindAllStringSubmatch(val, -1) {
				out = append(out, m[1])
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	for _, v := range params {
		walk(v)
	}
	return out
}

// toFloat accepts the numeric shapes context values arrive in from Go
// callers, JSON and YAML.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
