package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnsureRequestMintsIdentifier(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("POST", "/v1/route", nil)
	req, id := EnsureRequest(req)
	if id == "" {
		t.Fatal("EnsureRequest must mint an identifier")
	}
	if !strings.HasPrefix(id, "req-") {
		t.Fatalf("id=%q, want req- prefix", id)
	}
	if got := req.Header.Get(HeaderName); got != id {
		t.Fatalf("header=%q, want %q", got, id)
	}
	if got, ok := FromContext(req.Context()); !ok || got != id {
		t.Fatalf("FromContext=(%q, %v), want (%q, true)", got, ok, id)
	}
}

func TestEnsureRequestKeepsCallerIdentifier(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("POST", "/v1/route", nil)
	req.Header.Set(HeaderName, "req-caller-1")
	_, id := EnsureRequest(req)
	if id != "req-caller-1" {
		t.Fatalf("id=%q, want the caller's identifier", id)
	}
}

func TestEnsureRequestIsStableAcrossCalls(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/api/health", nil)
	req, first := EnsureRequest(req)
	_, second := EnsureRequest(req)
	if first != second {
		t.Fatalf("identifiers differ across calls: %q vs %q", first, second)
	}
}

func TestFromHeadersFallsBackToRequestID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "upstream-77")
	if got := FromHeaders(req.Header); got != "upstream-77" {
		t.Fatalf("FromHeaders=%q, want upstream-77", got)
	}
}

func TestNormalizeRejectsUnsafeValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want string
	}{
		{"  trimmed-1  ", "trimmed-1"},
		{"has spaces", ""},
		{"semi;colon", ""},
		{strings.Repeat("a", 200), strings.Repeat("a", maxIDLen)},
		{"", ""},
	}
	for _, tc := range cases {
		if got := normalizeID(tc.raw); got != tc.want {
			t.Fatalf("normalizeID(%q)=%q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestWithContextIgnoresInvalidIdentifier(t *testing.T) {
	t.Parallel()

	ctx := WithContext(context.Background(), "bad value!")
	if _, ok := FromContext(ctx); ok {
		t.Fatal("invalid identifier must not be stored")
	}
}
