// Fuzz / property-based tests for the HTTP wire mapping.
// Uses the white-box package (package http) to reach unexported symbols.
package http

import (
	"encoding/json"
	"strings"
	"testing"

	strata "github.com/stratahq/strata/clients/go"
)

// FuzzDecodeEvaluateResponse ensures decoding an evaluate response never
// panics on arbitrary JSON input.
func FuzzDecodeEvaluateResponse(f *testing.F) {
	f.Add([]byte(`{"results":{"checkout":{"parameters":{"color":"blue"},"vids":[1],"matched_layers":["homepage"]}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"results":null}`))
	f.Add([]byte(`{"results":{"x":{"parameters":null,"vids":null,"matched_layers":null}}}`))

	f.Fuzz(func(t *testing.T, raw []byte) {
		var out evaluateResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return // skip non-JSON
		}
		// Checks that every decoded result is keyed by a non-empty service
		// name.
		for service := range out.Results {
			if service == "" {
				t.Errorf("decoded empty service key from %q", raw)
			}
		}
	})
}

// FuzzLayerRoundTrip verifies a Layer survives a JSON marshal/unmarshal
// round-trip for any layer ID and priority, matching the exact wire shape
// the server decodes CreateLayer/UpdateLayer bodies into.
func FuzzLayerRoundTrip(f *testing.F) {
	f.Add("homepage", int32(10), true)
	f.Add("", int32(0), false)
	f.Add(strings.Repeat("a", 256), int32(-5), true)

	f.Fuzz(func(t *testing.T, layerID string, priority int32, enabled bool) {
		orig := strata.Layer{LayerID: layerID, Priority: priority, Enabled: enabled}
		b, err := json.Marshal(orig)
		if err != nil {
			t.Fatalf("marshal layer: %v", err)
		}
		var decoded strata.Layer
		if err := json.Unmarshal(b, &decoded); err != nil {
			t.Fatalf("unmarshal layer: %v", err)
		}
		if decoded.LayerID != layerID || decoded.Priority != priority || decoded.Enabled != enabled {
			t.Errorf("round-trip mismatch: got %+v, want id=%q priority=%d enabled=%v", decoded, layerID, priority, enabled)
		}
	})
}
