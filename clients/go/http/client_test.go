package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	strata "github.com/stratahq/strata/clients/go"
	stratahttp "github.com/stratahq/strata/clients/go/http"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *stratahttp.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := stratahttp.NewHTTPClient(stratahttp.Config{
		BaseURL: srv.URL,
		APIKey:  "test-key",
	})
	return srv, c
}

func assertAuth(t *testing.T, r *http.Request) {
	t.Helper()
	got := r.Header.Get("Authorization")
	if got != "Bearer test-key" {
		t.Errorf("auth header: got %q, want %q", got, "Bearer test-key")
	}
}

// -- Layer CRUD tests ---------------------------------------------------------

func TestCreateLayer(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/layers" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"layer_id":"homepage","version":"v1","priority":10,"hash_key":"user_id","enabled":true,"ranges":[]}`)
	})
	l, err := c.CreateLayer(context.Background(), strata.Layer{LayerID: "homepage", Priority: 10, HashKey: "user_id", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if l.LayerID != "homepage" || l.Priority != 10 {
		t.Errorf("unexpected layer: %+v", l)
	}
}

func TestGetLayerNotFound(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	_, err := c.GetLayer(context.Background(), "missing")
	var apiErr *stratahttp.APIError
	if !isAPIError(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 APIError, got %v", err)
	}
}

func TestListLayers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"layer_id":"a","enabled":true},{"layer_id":"b","enabled":false}]`)
	}))
	defer srv.Close()
	cl := stratahttp.NewHTTPClient(stratahttp.Config{BaseURL: srv.URL, APIKey: "k"})
	layers, err := cl.ListLayers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(layers) != 2 {
		t.Fatalf("want 2 layers, got %d", len(layers))
	}
}

func TestUpdateLayer(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPut || r.URL.Path != "/v1/layers/homepage" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"layer_id":"homepage","enabled":false}`)
	})
	l, err := c.UpdateLayer(context.Background(), strata.Layer{LayerID: "homepage", Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if l.Enabled {
		t.Error("expected Enabled=false")
	}
}

func TestDeleteLayer(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/layers/homepage" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.DeleteLayer(context.Background(), "homepage"); err != nil {
		t.Fatal(err)
	}
}

// -- Experiment CRUD tests ------------------------------------------------

func TestCreateExperiment(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/experiments" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"eid":7,"service":"checkout","rule":{"kind":"field","field":"country","op":"eq","values":["US"]},"variants":[{"vid":1}]}`)
	})
	exp, err := c.CreateExperiment(context.Background(), strata.Experiment{Service: "checkout"})
	if err != nil {
		t.Fatal(err)
	}
	if exp.EID != 7 || len(exp.Variants) != 1 {
		t.Errorf("unexpected experiment: %+v", exp)
	}
}

func TestGetExperiment(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/experiments/7" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"eid":7,"service":"checkout"}`)
	})
	exp, err := c.GetExperiment(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if exp.EID != 7 {
		t.Errorf("got eid %d", exp.EID)
	}
}

func TestDeleteExperiment(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/experiments/7" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.DeleteExperiment(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
}

// -- Field types --------------------------------------------------------------

func TestGetFieldTypes(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"country":"string","age":"int"}`)
	})
	types, err := c.GetFieldTypes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if types["country"] != strata.FieldString || types["age"] != strata.FieldInt {
		t.Errorf("unexpected field types: %+v", types)
	}
}

func TestSetFieldType(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["field"] != "country" || body["kind"] != "string" {
			t.Errorf("unexpected body: %v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.SetFieldType(context.Background(), "country", strata.FieldString); err != nil {
		t.Fatal(err)
	}
}

// -- Evaluate tests ----------------------------------------------------------

func TestEvaluate(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/evaluate" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		services, _ := body["services"].([]any)
		if len(services) != 1 || services[0] != "checkout" {
			t.Errorf("unexpected services: %v", body["services"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":{"checkout":{"parameters":{"color":"blue"},"vids":[1],"matched_layers":["homepage"]}}}`)
	})
	resp, err := c.Evaluate(context.Background(), []string{"checkout"}, map[string]string{"user": "u1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	result, ok := resp.Results["checkout"]
	if !ok || result.Parameters["color"] != "blue" {
		t.Errorf("unexpected result: %+v", resp.Results)
	}
}

// -- helpers -----------------------------------------------------------------

func isAPIError(err error, target **stratahttp.APIError) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*stratahttp.APIError); ok {
		*target = e
		return true
	}
	return false
}

// Ensure Client satisfies interfaces at compile time.
var _ strata.LayerManager = (*stratahttp.Client)(nil)
var _ strata.ExperimentManager = (*stratahttp.Client)(nil)
var _ strata.FieldTypeManager = (*stratahttp.Client)(nil)
var _ strata.Evaluator = (*stratahttp.Client)(nil)
