package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_get_state","args":{"entity_id":"sensor.temp"}},"id":7}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Method != MethodToolRequest {
		t.Fatalf("unexpected method: %q", env.Method)
	}
	if !env.HasID() || env.IDKey() != "7" {
		t.Fatalf("unexpected id: %q", env.ID)
	}

	var params ToolRequestParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.Tool != "ha_get_state" || params.Args["entity_id"] != "sensor.temp" {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestHasID(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"jsonrpc":"2.0","method":"list_tools","id":1}`, true},
		{`{"jsonrpc":"2.0","method":"list_tools","id":"abc"}`, true},
		{`{"jsonrpc":"2.0","method":"list_tools","id":null}`, false},
		{`{"jsonrpc":"2.0","method":"list_tools"}`, false},
	}
	for _, tc := range cases {
		env, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.raw, err)
		}
		if env.HasID() != tc.want {
			t.Fatalf("HasID mismatch for %s: want %v", tc.raw, tc.want)
		}
	}

	// Raw ids that never come out of Decode but could reach HasID through
	// hand-built envelopes.
	padded := []struct {
		id   string
		want bool
	}{
		{" null ", false},
		{"   ", false},
		{" 1 ", true},
	}
	for _, tc := range padded {
		env := Envelope{ID: json.RawMessage(tc.id)}
		if env.HasID() != tc.want {
			t.Fatalf("HasID mismatch for raw %q: want %v", tc.id, tc.want)
		}
	}
}

func TestIDEchoedVerbatim(t *testing.T) {
	env, err := Decode([]byte(`{"jsonrpc":"2.0","method":"list_tools","id":"req-001"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	out, err := Encode(NewResult(env.ID, map[string]any{"ok": true}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var echoed struct {
		Version string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(out, &echoed); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if echoed.Version != Version {
		t.Fatalf("unexpected version: %q", echoed.Version)
	}
	if string(echoed.ID) != `"req-001"` {
		t.Fatalf("id not echoed verbatim: %s", echoed.ID)
	}
}

func TestNewError(t *testing.T) {
	out, err := Encode(NewError(json.RawMessage(`3`), CodeDeniedByPolicy, "Denied by policy"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error == nil || env.Error.Code != CodeDeniedByPolicy || env.Error.Message != "Denied by policy" {
		t.Fatalf("unexpected error object: %+v", env.Error)
	}
	if env.IDKey() != "3" {
		t.Fatalf("unexpected id: %q", env.ID)
	}
}
