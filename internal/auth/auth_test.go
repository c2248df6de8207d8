package auth

import (
	"context"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type tokenFunc func(token string, remote netip.Addr) Result

func (f tokenFunc) ValidateToken(ctx context.Context, token string, remote netip.Addr) Result {
	return f(token, remote)
}

func testUsers(t *testing.T) *StaticUsers {
	t.Helper()
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	users, err := NewStaticUsers(map[string]string{"alice": hash})
	if err != nil {
		t.Fatal(err)
	}
	return users
}

func TestAuthenticate(t *testing.T) {
	authn := &Authenticator{
		Users: testUsers(t),
		Tokens: tokenFunc(func(token string, remote netip.Addr) Result {
			if token == "good" && remote == netip.MustParseAddr("192.0.2.1") {
				return Result{Kind: KindToken, User: "bob", ReadOnly: true}
			}
			return FailedResult(KindToken, "unknown token")
		}),
	}

	tests := map[string]struct {
		header string
		want   Result
	}{
		"no credentials": {
			"",
			Result{Kind: KindAnonymous, Missing: true},
		},
		"valid basic": {
			"Basic YWxpY2U6aHVudGVyMg==", // alice:hunter2
			Result{Kind: KindBasic, User: "alice"},
		},
		"wrong password": {
			"Basic YWxpY2U6d3Jvbmc=", // alice:wrong
			Result{Kind: KindBasic, Error: "invalid username or password"},
		},
		"unknown user": {
			"Basic bWFsbG9yeTpodW50ZXIy", // mallory:hunter2
			Result{Kind: KindBasic, Error: "invalid username or password"},
		},
		"malformed basic": {
			"Basic !!!",
			Result{Kind: KindBasic, Error: "malformed basic credentials"},
		},
		"valid token": {
			"Bearer good",
			Result{Kind: KindToken, User: "bob", ReadOnly: true},
		},
		"invalid token": {
			"Bearer bad",
			Result{Kind: KindToken, Error: "unknown token"},
		},
		"other scheme": {
			"Digest whatever",
			Result{Kind: KindAnonymous, Error: "unsupported authorization scheme"},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = "192.0.2.1:4321"
			if test.header != "" {
				req.Header.Set("Authorization", test.header)
			}
			got := authn.Authenticate(req)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("wrong result\n%s", diff)
			}
		})
	}
}

func TestResultStates(t *testing.T) {
	if MissingResult().Authenticated() || MissingResult().Invalid() {
		t.Error("missing result must be neither authenticated nor invalid")
	}
	failed := FailedResult(KindBasic, "nope")
	if failed.Authenticated() || !failed.Invalid() {
		t.Error("failed result must be invalid and not authenticated")
	}
	ok := Result{Kind: KindBasic, User: "alice"}
	if !ok.Authenticated() || ok.Invalid() {
		t.Error("successful result must be authenticated and not invalid")
	}
}

func TestAuthenticationMetrics(t *testing.T) {
	authn := &Authenticator{Users: testUsers(t)}
	success := authenticationCount.WithLabelValues("basic", "true")
	failure := authenticationCount.WithLabelValues("basic", "false")
	beforeSuccess := testutil.ToFloat64(success)
	beforeFailure := testutil.ToFloat64(failure)

	authn.ValidateCredentials(context.Background(), "alice", "hunter2")
	authn.ValidateCredentials(context.Background(), "alice", "wrong")
	authn.ValidateCredentials(context.Background(), "alice", "wrong")

	if got, want := testutil.ToFloat64(success)-beforeSuccess, 1.0; got != want {
		t.Errorf("wrong success count %v; want %v", got, want)
	}
	if got, want := testutil.ToFloat64(failure)-beforeFailure, 2.0; got != want {
		t.Errorf("wrong failure count %v; want %v", got, want)
	}
}

func TestRemoteAddr(t *testing.T) {
	tests := map[string]netip.Addr{
		"192.0.2.1:80":          netip.MustParseAddr("192.0.2.1"),
		"[2001:db8::1]:443":     netip.MustParseAddr("2001:db8::1"),
		"[::ffff:192.0.2.9]:80": netip.MustParseAddr("192.0.2.9"),
		"pipe":                  {},
	}
	for remote, want := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = remote
		if got := RemoteAddr(req); got != want {
			t.Errorf("RemoteAddr(%q) = %s; want %s", remote, got, want)
		}
	}
}
