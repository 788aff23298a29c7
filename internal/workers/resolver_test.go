package workers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegistryResolverResolvesEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/42" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"callback_endpoint":"https://agent-42.example/hook"}`))
	}))
	defer srv.Close()

	r := NewRegistryResolver(srv.Client(), srv.URL)
	endpoint, err := r.ResolveEndpoint(context.Background(), "42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if endpoint != "https://agent-42.example/hook" {
		t.Fatalf("unexpected endpoint: %q", endpoint)
	}
}

func TestRegistryResolverErrorsOnMissingEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r := NewRegistryResolver(srv.Client(), srv.URL)
	if _, err := r.ResolveEndpoint(context.Background(), "42"); err == nil {
		t.Fatal("expected an error for a registry entry without a callback endpoint")
	}
}
