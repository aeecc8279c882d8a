package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Envelope is the structured success/failure shape tools may return.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OK builds a successful envelope.
func OK(message string, data any) Envelope {
	return Envelope{Success: true, Message: message, Data: data}
}

// Fail builds a failed envelope.
func Fail(message string) Envelope {
	return Envelope{Success: false, Message: message}
}

// JSON encodes the envelope the way script-style tools print their results.
func (e Envelope) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"message":%q}`, err.Error())
	}
	return string(data)
}

// Func adapts a plain callable into a Tool.
// The callable may return an Envelope, a JSON-encoded envelope, a map carrying
// "success"/"error" keys, any bare value, or an error. A panic is converted
// into a failed Outcome.
func Func(fn func(ctx context.Context, params map[string]any) (any, error)) Tool {
	return toolFunc(fn)
}

type toolFunc func(ctx context.Context, params map[string]any) (any, error)

func (f toolFunc) Invoke(ctx context.Context, params map[string]any) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed("tool panicked: %v", r)
		}
	}()
	if params == nil {
		params = map[string]any{}
	}
	return Normalize(f(ctx, params))
}

// Normalize interprets a tool's raw return into an Outcome.
func Normalize(raw any, err error) Outcome {
	if err != nil {
		return Outcome{Success: false, Err: err.Error()}
	}

	switch v := raw.(type) {
	case Outcome:
		return v
	case Envelope:
		return fromEnvelope(v)
	case *Envelope:
		if v == nil {
			return Succeeded(nil)
		}
		return fromEnvelope(*v)
	case map[string]any:
		if isEnvelope(v) {
			return fromMap(v)
		}
		return Succeeded(v)
	case string:
		return fromText([]byte(v), v)
	case []byte:
		return fromText(v, v)
	default:
		return Succeeded(raw)
	}
}

func fromEnvelope(e Envelope) Outcome {
	if e.Success {
		return Outcome{Success: true, Output: e.Data}
	}
	msg := e.Error
	if msg == "" {
		msg = e.Message
	}
	if msg == "" {
		msg = "tool reported failure"
	}
	return Outcome{Success: false, Output: e.Data, Err: msg}
}

// fromText parses JSON objects; anything else is a successful bare value.
func fromText(data []byte, original any) Outcome {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Succeeded(original)
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Succeeded(original)
	}
	if isEnvelope(m) {
		return fromMap(m)
	}
	return Succeeded(m)
}

func isEnvelope(m map[string]any) bool {
	if _, ok := m["success"]; ok {
		return true
	}
	return m["error"] != nil
}

// fromMap applies envelope rules to a decoded object. A missing success flag
// defaults to true unless a non-null "error" key is present.
func fromMap(m map[string]any) Outcome {
	success := m["error"] == nil
	if flag, ok := m["success"].(bool); ok {
		success = flag
	}

	var output any = m
	if data, ok := m["data"]; ok {
		output = data
	}

	if success {
		return Outcome{Success: true, Output: output}
	}

	msg := stringField(m, "error")
	if msg == "" {
		msg = stringField(m, "message")
	}
	if msg == "" {
		msg = "tool reported failure"
	}
	return Outcome{Success: false, Output: output, Err: msg}
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
