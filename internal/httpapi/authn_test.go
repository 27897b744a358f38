package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def", "abc.def", true},
		{"bearer   abc.def  ", "abc.def", true},
		{"", "", false},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bear", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("%q: got %q err=%v", tc.header, got, err)
		}
	}
}

func TestRequireAuthRejectsMissingAndBadTokens(t *testing.T) {
	c := newTestAPI(t, nil)

	resp, body := c.do(http.MethodGet, "/v1/auth/me", nil, "")
	expectStatus(t, resp, body, http.StatusUnauthorized)
	if body["error"] != "missing_token" {
		t.Fatalf("unexpected body: %v", body)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}

	resp, body = c.do(http.MethodGet, "/v1/auth/sessions", nil, "not-a-jwt")
	expectStatus(t, resp, body, http.StatusUnauthorized)
	if body["error"] != "invalid_token" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRequireAuthSkipsHandlerOnFailure(t *testing.T) {
	called := false
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set(authHeader, "Token abc")
	rr := httptest.NewRecorder()
	(&API{auth: nil}).requireAuth(h).ServeHTTP(rr, req)
	if called || rr.Code != http.StatusUnauthorized {
		t.Fatalf("handler called=%v status=%d", called, rr.Code)
	}
}
