package simulate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/cadpilot/internal/registry"
)

func invoke(t *testing.T, r registry.Registry, name string, params map[string]any) registry.Outcome {
	t.Helper()
	tool, ok := r.Lookup(name)
	require.True(t, ok, "tool %s not registered", name)
	return tool.Invoke(context.Background(), params)
}

func TestAPIModelingWorkflow(t *testing.T) {
	sim := New(Options{})
	api := sim.APIRegistry()

	out := invoke(t, api, "create_new_part", map[string]any{"visible": true})
	require.True(t, out.Success, out.Err)
	assert.Equal(t, "Part1", out.Output.(map[string]any)["part_name"])

	out = invoke(t, api, "create_rectangle_sketch", map[string]any{
		"support_plane": "planexy", "length": 200.0, "width": 100, "name": "BoxBase",
	})
	require.True(t, out.Success, out.Err)
	assert.Equal(t, "PlaneXY", out.Output.(map[string]any)["plane"])

	out = invoke(t, api, "create_pad", map[string]any{"profile_name": "BoxBase", "height": 50.0, "name": "Box"})
	require.True(t, out.Success, out.Err)

	out = invoke(t, api, "create_pocket", map[string]any{"profile_name": "BoxBase", "depth": "5"})
	require.True(t, out.Success, out.Err)
	assert.Equal(t, "Pocket_5mm", out.Output.(map[string]any)["pocket_name"])

	out = invoke(t, api, "create_fillet", map[string]any{"first_surface": "Box", "second_surface": "Pocket_5mm", "radius": 2})
	require.True(t, out.Success, out.Err)

	out = invoke(t, api, "save_part", nil)
	require.True(t, out.Success, out.Err)
	assert.Equal(t, "Part1.CATPart", out.Output.(map[string]any)["file_path"])

	info, err := sim.Document().Info()
	require.NoError(t, err)
	assert.Equal(t, []string{"Geometry"}, info.Bodies)
	require.Len(t, info.Features, 3)
	assert.Equal(t, "pad", info.Features[0].Kind)
	assert.Equal(t, "api", info.Features[0].Surface)
	assert.Equal(t, 50.0, info.Features[0].Value)

	out = invoke(t, api, "get_part_info", nil)
	require.True(t, out.Success, out.Err)
	assert.Equal(t, 3.0, out.Output.(map[string]any)["features_count"])
}

func TestAPIErrorsAreEnvelopes(t *testing.T) {
	sim := New(Options{})
	api := sim.APIRegistry()

	tests := []struct {
		name   string
		tool   string
		params map[string]any
		errMsg string
	}{
		{"sketch before part", "create_rectangle_sketch", map[string]any{"length": 1, "width": 1}, "no active part"},
		{"save before part", "save_part", nil, "no open document"},
		{"info before part", "get_part_info", nil, "no active part"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := invoke(t, api, tt.tool, tt.params)
			assert.False(t, out.Success)
			assert.Contains(t, out.Err, tt.errMsg)
		})
	}

	require.True(t, invoke(t, api, "create_new_part", nil).Success)

	out := invoke(t, api, "create_rectangle_sketch", map[string]any{"support_plane": "PlaneAB", "length": 1, "width": 1})
	assert.Contains(t, out.Err, "unknown plane")

	out = invoke(t, api, "create_pad", map[string]any{"profile_name": "Nope", "height": 10})
	assert.Contains(t, out.Err, "sketch not found: Nope")

	out = invoke(t, api, "create_pad", map[string]any{"profile_name": "Nope"})
	assert.Contains(t, out.Err, "height is required")

	require.True(t, invoke(t, api, "create_rectangle_sketch", map[string]any{"length": 10, "width": 10}).Success)
	out = invoke(t, api, "create_pocket", map[string]any{"profile_name": "Rect_10x10", "depth": 3})
	assert.Contains(t, out.Err, "pocket needs an existing solid")

	out = invoke(t, api, "create_fillet", map[string]any{"first_surface": "A", "second_surface": "B", "radius": 1})
	assert.Contains(t, out.Err, "feature not found: A")
}

func TestVisionPrimitives(t *testing.T) {
	sim := New(Options{})
	vision := sim.VisionRegistry()

	out := invoke(t, vision, "capture_screen", nil)
	require.True(t, out.Success)
	path := out.Output.(map[string]any)["file_path"].(string)
	assert.Equal(t, "sim://screen/0001.png", path)

	out = invoke(t, vision, "detect_ui_elements", map[string]any{"image_path": path})
	require.True(t, out.Success)
	elements := out.Output.([]Element)
	require.NotEmpty(t, elements)

	out = invoke(t, vision, "click_element", map[string]any{"label": "pad"})
	require.True(t, out.Success, out.Err)
	assert.Equal(t, 96, out.Output.(map[string]any)["x"])

	out = invoke(t, vision, "click_element", map[string]any{"label": "Chamfer"})
	assert.False(t, out.Success)
	assert.Equal(t, "element not found: Chamfer", out.Err)

	out = invoke(t, vision, "click_element", map[string]any{"x": 5000, "y": 10})
	assert.False(t, out.Success)

	require.True(t, invoke(t, vision, "input_text", map[string]any{"text": 25}).Success)
	assert.Equal(t, []string{"25"}, sim.Typed())

	assert.False(t, invoke(t, vision, "press_key", nil).Success)
	assert.True(t, invoke(t, vision, "activate_window", nil).Success)
	assert.False(t, invoke(t, vision, "detect_ui_elements", nil).Success)

	out = invoke(t, vision, "execute_request", map[string]any{"query": "add ribs"})
	require.True(t, out.Success)
	assert.Equal(t, "add ribs", out.Output.(map[string]any)["query"])
	assert.False(t, invoke(t, vision, "execute_request", map[string]any{"query": "  "}).Success)
}

func TestVisionModelingSharesDocument(t *testing.T) {
	sim := New(Options{})
	api, vision := sim.APIRegistry(), sim.VisionRegistry()

	require.True(t, invoke(t, api, "create_new_part", nil).Success)
	require.True(t, invoke(t, api, "create_rectangle_sketch", map[string]any{"length": 20, "width": 20, "name": "S"}).Success)
	require.True(t, invoke(t, vision, "create_pad", map[string]any{"profile_name": "S", "height": 20}).Success)

	info, err := sim.Document().Info()
	require.NoError(t, err)
	require.Len(t, info.Features, 1)
	assert.Equal(t, "vision", info.Features[0].Surface)
}

func TestFailureInjection(t *testing.T) {
	sim := New(Options{
		APIFailures:    map[string]int{"create_new_part": 2},
		VisionFailures: map[string]int{"capture_screen": -1},
	})
	api, vision := sim.APIRegistry(), sim.VisionRegistry()

	first := invoke(t, api, "create_new_part", nil)
	assert.False(t, first.Success)
	assert.Equal(t, "simulated api failure in create_new_part", first.Err)
	assert.False(t, invoke(t, api, "create_new_part", nil).Success)
	assert.True(t, invoke(t, api, "create_new_part", nil).Success)
	assert.Equal(t, 3, sim.Calls("api", "create_new_part"))

	for i := 0; i < 3; i++ {
		assert.False(t, invoke(t, vision, "capture_screen", nil).Success)
	}
	assert.Equal(t, 0, sim.Calls("api", "capture_screen"))
	assert.Equal(t, 3, sim.Calls("vision", "capture_screen"))
}

func TestLatencyHonoursContext(t *testing.T) {
	sim := New(Options{Latency: time.Second})
	tool, _ := sim.APIRegistry().Lookup("create_new_part")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := tool.Invoke(ctx, nil)
	assert.False(t, out.Success)
	assert.Contains(t, out.Err, "deadline exceeded")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
