package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

// StartUpstream runs handler as an origin and returns its base URL.
func StartUpstream(t *testing.T, handler http.Handler) (*url.URL, func()) {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	server := httptest.NewServer(handler)
	base, err := url.Parse(server.URL + "/")
	if err != nil {
		server.Close()
		t.Fatalf("parse upstream url: %v", err)
	}
	return base, server.Close
}
