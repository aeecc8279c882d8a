package simulate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harrison/cadpilot/internal/registry"
)

// Screen geometry reported by the simulated capture.
const (
	screenWidth  = 1920
	screenHeight = 1080
)

// Element is a detected UI element with its bounding box [x1, y1, x2, y2].
type Element struct {
	Label      string  `json:"label"`
	BBox       [4]int  `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// Center returns the click point of the element.
func (e Element) Center() (int, int) {
	return (e.BBox[0] + e.BBox[2]) / 2, (e.BBox[1] + e.BBox[3]) / 2
}

// toolbar is what the simulated detector finds on every capture.
var toolbar = []Element{
	{Label: "Sketch", BBox: [4]int{40, 80, 72, 112}, Confidence: 0.97},
	{Label: "Pad", BBox: [4]int{80, 80, 112, 112}, Confidence: 0.95},
	{Label: "Pocket", BBox: [4]int{120, 80, 152, 112}, Confidence: 0.93},
	{Label: "Fillet", BBox: [4]int{160, 80, 192, 112}, Confidence: 0.91},
	{Label: "Save", BBox: [4]int{8, 40, 40, 72}, Confidence: 0.89},
	{Label: "OK", BBox: [4]int{900, 620, 980, 650}, Confidence: 0.88},
}

// Options configures a Simulator.
type Options struct {
	// APIFailures and VisionFailures map a tool name to the number of calls
	// that fail before it starts succeeding. A negative count fails every call.
	APIFailures    map[string]int
	VisionFailures map[string]int
	// Latency is added to every tool call.
	Latency time.Duration
}

// Simulator owns the simulated document and builds both tool registries over it.
type Simulator struct {
	doc     *Document
	latency time.Duration

	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	captures int
	typed    []string
}

// New creates a Simulator with an empty document.
func New(opts Options) *Simulator {
	s := &Simulator{
		doc:      &Document{},
		latency:  opts.Latency,
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
	for name, n := range opts.APIFailures {
		s.failures[callKey("api", name)] = n
	}
	for name, n := range opts.VisionFailures {
		s.failures[callKey("vision", name)] = n
	}
	return s
}

func callKey(surface, tool string) string {
	return surface + "." + tool
}

// Document returns the shared part document.
func (s *Simulator) Document() *Document {
	return s.doc
}

// Calls returns how many times a tool was invoked on a surface ("api" or "vision").
func (s *Simulator) Calls(surface, tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callKey(surface, tool)]
}

// Typed returns the text entered through input_text, in order.
func (s *Simulator) Typed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.typed...)
}

// APIRegistry returns the precise-surface tools. They answer with JSON
// envelopes the way script-style CAD bindings do.
func (s *Simulator) APIRegistry() registry.Registry {
	r := registry.New()
	s.register(r, "api", "create_new_part", s.newPart)
	s.register(r, "api", "create_rectangle_sketch", s.rectangleSketch)
	s.register(r, "api", "create_pad", s.profileFeature("pad", "height"))
	s.register(r, "api", "create_pocket", s.profileFeature("pocket", "depth"))
	s.register(r, "api", "create_fillet", s.fillet)
	s.register(r, "api", "get_part_info", s.partInfo)
	s.register(r, "api", "save_part", s.save)
	return r
}

// VisionRegistry returns the resilient-surface tools: window, capture,
// detection and input primitives, UI-driven versions of the modeling
// operations, and execute_request for free-form requests.
func (s *Simulator) VisionRegistry() registry.Registry {
	r := registry.New()
	s.register(r, "vision", "activate_window", s.activateWindow)
	s.register(r, "vision", "capture_screen", s.captureScreen)
	s.registerRaw(r, "vision", "detect_ui_elements", s.detectElements)
	s.register(r, "vision", "click_element", s.clickElement)
	s.register(r, "vision", "input_text", s.inputText)
	s.register(r, "vision", "press_key", s.pressKey)
	s.register(r, "vision", "execute_request", s.executeRequest)

	s.register(r, "vision", "create_new_part", s.newPart)
	s.register(r, "vision", "create_rectangle_sketch", s.rectangleSketch)
	s.register(r, "vision", "create_pad", s.profileFeature("pad", "height"))
	s.register(r, "vision", "create_pocket", s.profileFeature("pocket", "depth"))
	s.register(r, "vision", "create_fillet", s.fillet)
	s.register(r, "vision", "save_part", s.save)
	return r
}

// operation performs one simulated action and describes it.
type operation func(ctx context.Context, surface string, params map[string]any) (message string, data map[string]any, err error)

// register wraps op so the precise surface answers with a JSON envelope
// string and the resilient surface with an envelope map.
func (s *Simulator) register(r registry.Registry, surface, name string, op operation) {
	r.RegisterFunc(name, func(ctx context.Context, params map[string]any) (any, error) {
		if err := s.before(ctx, surface, name); err != nil {
			return nil, err
		}
		message, data, err := op(ctx, surface, params)
		if surface == "api" {
			if err != nil {
				return registry.Fail(err.Error()).JSON(), nil
			}
			return registry.OK(message, data).JSON(), nil
		}
		if err != nil {
			return map[string]any{"success": false, "error": err.Error()}, nil
		}
		return map[string]any{"success": true, "message": message, "data": data}, nil
	})
}

// registerRaw exposes a tool that returns a bare value.
func (s *Simulator) registerRaw(r registry.Registry, surface, name string, fn func(ctx context.Context, params map[string]any) (any, error)) {
	r.RegisterFunc(name, func(ctx context.Context, params map[string]any) (any, error) {
		if err := s.before(ctx, surface, name); err != nil {
			return nil, err
		}
		return fn(ctx, params)
	})
}

// before counts the call, waits out the configured latency and applies
// injected failures.
func (s *Simulator) before(ctx context.Context, surface, tool string) error {
	key := callKey(surface, tool)

	s.mu.Lock()
	s.calls[key]++
	remaining, injected := s.failures[key]
	fail := injected && remaining != 0
	if remaining > 0 {
		s.failures[key] = remaining - 1
	}
	s.mu.Unlock()

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return fmt.Errorf("simulated %s failure in %s", surface, tool)
	}
	return nil
}

func (s *Simulator) newPart(_ context.Context, surface string, params map[string]any) (string, map[string]any, error) {
	name := s.doc.NewPart(boolParam(params, "visible", true))
	return "Created new Part document: " + name, map[string]any{"part_name": name, "surface": surface}, nil
}

func (s *Simulator) rectangleSketch(_ context.Context, surface string, params map[string]any) (string, map[string]any, error) {
	length, ok := floatParam(params, "length")
	if !ok {
		return "", nil, fmt.Errorf("length is required")
	}
	width, ok := floatParam(params, "width")
	if !ok {
		return "", nil, fmt.Errorf("width is required")
	}
	plane := stringParam(params, "support_plane")
	if plane == "" {
		plane = "PlaneXY"
	}
	sketch, err := s.doc.AddSketch(plane, stringParam(params, "body_name"), stringParam(params, "name"), length, width)
	if err != nil {
		return "", nil, err
	}
	return "Created rectangle sketch: " + sketch.Name, map[string]any{
		"sketch_name": sketch.Name,
		"length":      sketch.Length,
		"width":       sketch.Width,
		"plane":       sketch.Plane,
		"surface":     surface,
	}, nil
}

func (s *Simulator) profileFeature(kind, sizeParam string) operation {
	return func(_ context.Context, surface string, params map[string]any) (string, map[string]any, error) {
		size, ok := floatParam(params, sizeParam)
		if !ok {
			return "", nil, fmt.Errorf("%s is required", sizeParam)
		}
		f, err := s.doc.AddProfileFeature(kind, stringParam(params, "profile_name"), stringParam(params, "name"), size, surface)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("Created %s: %s", kind, f.Name), map[string]any{
			kind + "_name": f.Name,
			sizeParam:      f.Value,
			"profile":      f.Profile,
			"surface":      surface,
		}, nil
	}
}

func (s *Simulator) fillet(_ context.Context, surface string, params map[string]any) (string, map[string]any, error) {
	radius, ok := floatParam(params, "radius")
	if !ok {
		return "", nil, fmt.Errorf("radius is required")
	}
	f, err := s.doc.AddFillet(stringParam(params, "first_surface"), stringParam(params, "second_surface"), stringParam(params, "name"), radius, surface)
	if err != nil {
		return "", nil, err
	}
	return "Created fillet: " + f.Name, map[string]any{"fillet_name": f.Name, "radius": f.Value, "surface": surface}, nil
}

func (s *Simulator) partInfo(_ context.Context, _ string, _ map[string]any) (string, map[string]any, error) {
	info, err := s.doc.Info()
	if err != nil {
		return "", nil, err
	}
	return "Part information", map[string]any{
		"part_name":      info.PartName,
		"hybrid_bodies":  info.Bodies,
		"sketches_count": len(info.Sketches),
		"features_count": len(info.Features),
		"features":       info.Features,
		"saved_path":     info.SavedPath,
	}, nil
}

func (s *Simulator) save(_ context.Context, surface string, params map[string]any) (string, map[string]any, error) {
	path, err := s.doc.Save(stringParam(params, "file_path"))
	if err != nil {
		return "", nil, err
	}
	return "Document saved", map[string]any{"file_path": path, "surface": surface}, nil
}

func (s *Simulator) activateWindow(_ context.Context, _ string, params map[string]any) (string, map[string]any, error) {
	title := stringParam(params, "title")
	if title == "" {
		title = "CATIA V5"
	}
	return "Window activated: " + title, map[string]any{"title": title}, nil
}

func (s *Simulator) captureScreen(_ context.Context, _ string, _ map[string]any) (string, map[string]any, error) {
	s.mu.Lock()
	s.captures++
	n := s.captures
	s.mu.Unlock()
	return "Screen captured", map[string]any{
		"file_path": fmt.Sprintf("sim://screen/%04d.png", n),
		"width":     screenWidth,
		"height":    screenHeight,
	}, nil
}

func (s *Simulator) detectElements(_ context.Context, params map[string]any) (any, error) {
	if stringParam(params, "image_path") == "" {
		return nil, fmt.Errorf("image_path is required")
	}
	return append([]Element(nil), toolbar...), nil
}

func (s *Simulator) clickElement(_ context.Context, _ string, params map[string]any) (string, map[string]any, error) {
	if label := stringParam(params, "label"); label != "" {
		for _, e := range toolbar {
			if strings.EqualFold(e.Label, label) {
				x, y := e.Center()
				return "Clicked " + e.Label, map[string]any{"x": x, "y": y, "label": e.Label}, nil
			}
		}
		return "", nil, fmt.Errorf("element not found: %s", label)
	}

	x, okX := floatParam(params, "x")
	y, okY := floatParam(params, "y")
	if !okX || !okY {
		return "", nil, fmt.Errorf("label or x/y coordinates are required")
	}
	if x < 0 || y < 0 || x >= screenWidth || y >= screenHeight {
		return "", nil, fmt.Errorf("click (%g, %g) is outside the %dx%d screen", x, y, screenWidth, screenHeight)
	}
	return fmt.Sprintf("Clicked (%d, %d)", int(x), int(y)), map[string]any{"x": int(x), "y": int(y)}, nil
}

func (s *Simulator) inputText(_ context.Context, _ string, params map[string]any) (string, map[string]any, error) {
	text, ok := params["text"]
	if !ok {
		return "", nil, fmt.Errorf("text is required")
	}
	typed := fmt.Sprint(text)
	s.mu.Lock()
	s.typed = append(s.typed, typed)
	s.mu.Unlock()
	return "Text entered", map[string]any{"chars": len([]rune(typed))}, nil
}

func (s *Simulator) pressKey(_ context.Context, _ string, params map[string]any) (string, map[string]any, error) {
	key := stringParam(params, "key")
	if key == "" {
		return "", nil, fmt.Errorf("key is required")
	}
	return "Pressed " + key, map[string]any{"key": key}, nil
}

// executeRequest stands in for an operator-style agent that resolves a
// free-form request through the UI.
func (s *Simulator) executeRequest(_ context.Context, _ string, params map[string]any) (string, map[string]any, error) {
	query := strings.TrimSpace(stringParam(params, "query"))
	if query == "" {
		return "", nil, fmt.Errorf("query is required")
	}
	return "Request handled through the UI", map[string]any{
		"query":   query,
		"actions": []string{"capture_screen", "detect_ui_elements", "click_element"},
	}, nil
}

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func boolParam(params map[string]any, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case interface{ Float64() (float64, error) }:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
