// Package simulate provides in-process tool registries for both execution
// surfaces, backed by a simulated part document. They let plans run end to
// end without a CAD application, with optional failure injection and latency.
package simulate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// supportPlanes are the origin planes a sketch may be placed on, keyed by lower-case name.
var supportPlanes = map[string]string{
	"planexy": "PlaneXY",
	"planeyz": "PlaneYZ",
	"planezx": "PlaneZX",
}

// Sketch is a closed rectangle profile.
type Sketch struct {
	Name   string  `json:"name"`
	Body   string  `json:"body"`
	Plane  string  `json:"plane"`
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
}

// Feature is a solid feature built on a sketch or on other features.
type Feature struct {
	Name    string  `json:"name"`
	Kind    string  `json:"kind"`
	Profile string  `json:"profile,omitempty"`
	Value   float64 `json:"value"`
	Surface string  `json:"surface"`
}

// PartInfo is a snapshot of the document.
type PartInfo struct {
	PartName  string    `json:"part_name"`
	Visible   bool      `json:"visible"`
	Bodies    []string  `json:"hybrid_bodies"`
	Sketches  []Sketch  `json:"sketches"`
	Features  []Feature `json:"features"`
	SavedPath string    `json:"saved_path,omitempty"`
}

// Document is the simulated part shared by both surfaces.
type Document struct {
	mu        sync.Mutex
	parts     int
	open      bool
	name      string
	visible   bool
	sketches  []Sketch
	features  []Feature
	savedPath string
}

// NewPart discards the current part and opens a fresh one.
func (d *Document) NewPart(visible bool) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parts++
	d.open = true
	d.name = fmt.Sprintf("Part%d", d.parts)
	d.visible = visible
	d.sketches = nil
	d.features = nil
	d.savedPath = ""
	return d.name
}

// AddSketch places a rectangle sketch on an origin plane.
func (d *Document) AddSketch(plane, body, name string, length, width float64) (Sketch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return Sketch{}, fmt.Errorf("no active part: create a part first")
	}
	canonical, ok := supportPlanes[strings.ToLower(plane)]
	if !ok {
		return Sketch{}, fmt.Errorf("unknown plane %q (supported: PlaneXY, PlaneYZ, PlaneZX)", plane)
	}
	if length <= 0 || width <= 0 {
		return Sketch{}, fmt.Errorf("rectangle size must be positive, got %gx%g", length, width)
	}
	if body == "" {
		body = "Geometry"
	}
	if name == "" {
		name = fmt.Sprintf("Rect_%dx%d", int(length), int(width))
	}
	if d.sketchLocked(name) != nil {
		return Sketch{}, fmt.Errorf("sketch %s already exists", name)
	}
	s := Sketch{Name: name, Body: body, Plane: canonical, Length: length, Width: width}
	d.sketches = append(d.sketches, s)
	return s, nil
}

// AddProfileFeature builds a pad or pocket from a sketch.
func (d *Document) AddProfileFeature(kind, profile, name string, value float64, surface string) (Feature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return Feature{}, fmt.Errorf("no active part: create a part first")
	}
	if d.sketchLocked(profile) == nil {
		return Feature{}, fmt.Errorf("sketch not found: %s", profile)
	}
	if value <= 0 {
		return Feature{}, fmt.Errorf("%s size must be positive, got %g", kind, value)
	}
	if kind == "pocket" && !d.hasSolidLocked() {
		return Feature{}, fmt.Errorf("pocket needs an existing solid")
	}
	if name == "" {
		prefix := "Pad"
		if kind == "pocket" {
			prefix = "Pocket"
		}
		name = fmt.Sprintf("%s_%dmm", prefix, int(value))
	}
	if d.featureLocked(name) != nil {
		return Feature{}, fmt.Errorf("feature %s already exists", name)
	}
	f := Feature{Name: name, Kind: kind, Profile: profile, Value: value, Surface: surface}
	d.features = append(d.features, f)
	return f, nil
}

// AddFillet rounds the edge between two existing features.
func (d *Document) AddFillet(first, second, name string, radius float64, surface string) (Feature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return Feature{}, fmt.Errorf("no active part: create a part first")
	}
	if radius <= 0 {
		return Feature{}, fmt.Errorf("fillet radius must be positive, got %g", radius)
	}
	for _, ref := range []string{first, second} {
		if d.featureLocked(ref) == nil {
			return Feature{}, fmt.Errorf("feature not found: %s", ref)
		}
	}
	if name == "" {
		name = fmt.Sprintf("Fillet_R%g", radius)
	}
	f := Feature{Name: name, Kind: "fillet", Profile: first + "/" + second, Value: radius, Surface: surface}
	d.features = append(d.features, f)
	return f, nil
}

// Save records the save location. An empty path keeps the current one.
func (d *Document) Save(path string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return "", fmt.Errorf("no open document to save")
	}
	switch {
	case path != "":
		d.savedPath = path
	case d.savedPath == "":
		d.savedPath = d.name + ".CATPart"
	}
	return d.savedPath, nil
}

// Info returns a snapshot of the document.
func (d *Document) Info() (PartInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return PartInfo{}, fmt.Errorf("no active part")
	}
	bodies := map[string]bool{}
	for _, s := range d.sketches {
		bodies[s.Body] = true
	}
	names := make([]string, 0, len(bodies))
	for b := range bodies {
		names = append(names, b)
	}
	sort.Strings(names)
	return PartInfo{
		PartName:  d.name,
		Visible:   d.visible,
		Bodies:    names,
		Sketches:  append([]Sketch(nil), d.sketches...),
		Features:  append([]Feature(nil), d.features...),
		SavedPath: d.savedPath,
	}, nil
}

func (d *Document) sketchLocked(name string) *Sketch {
	for i := range d.sketches {
		if d.sketches[i].Name == name {
			return &d.sketches[i]
		}
	}
	return nil
}

func (d *Document) featureLocked(name string) *Feature {
	for i := range d.features {
		if d.features[i].Name == name {
			return &d.features[i]
		}
	}
	return nil
}

func (d *Document) hasSolidLocked() bool {
	for _, f := range d.features {
		if f.Kind == "pad" {
			return true
		}
	}
	return false
}
