package netbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestFetchAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	b := New(Policy{AllowedHosts: []string{host}}, zerolog.Nop())
	resp, err := b.Fetch(context.Background(), FetchRequest{URL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if string(resp.Body) != "ok" {
		t.Fatalf("got %q", resp.Body)
	}
}

func TestFetchDeniedByPolicy(t *testing.T) {
	b := New(Policy{AllowedHosts: []string{"example.com"}}, zerolog.Nop())
	_, err := b.Fetch(context.Background(), FetchRequest{URL: "http://evil.test/", Method: "GET"})
	if err == nil {
		t.Fatal("expected denial")
	}
	netErr, ok := err.(*Error)
	if !ok || netErr.Kind != NetworkDenied {
		t.Fatalf("expected NetworkDenied, got %v", err)
	}
}

func TestFetchDeniedByMethod(t *testing.T) {
	host := "example.com"
	b := New(Policy{AllowedHosts: []string{host}, AllowedMethods: []string{"GET"}}, zerolog.Nop())
	_, err := b.Fetch(context.Background(), FetchRequest{URL: "http://" + host + "/", Method: "DELETE"})
	if err == nil {
		t.Fatal("expected denial")
	}
	netErr, ok := err.(*Error)
	if !ok || netErr.Kind != NetworkDenied {
		t.Fatalf("expected NetworkDenied, got %v", err)
	}
}
