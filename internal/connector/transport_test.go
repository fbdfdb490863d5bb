package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/worksync/worksync/internal/types"
)

func TestTransportInjectsAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := NewTransport("test", PATAuth("secret-pat"), time.Second)
	var out struct {
		OK bool `json:"ok"`
	}
	if err := tr.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, &out); err != nil {
		t.Fatal(err)
	}
	if !out.OK {
		t.Error("response not decoded")
	}
	if !gotOK || gotUser != "" || gotPass != "secret-pat" {
		t.Errorf("basic auth = %q/%q (%v), want empty user with PAT password", gotUser, gotPass, gotOK)
	}
}

func TestTransportRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`"done"`))
	}))
	defer srv.Close()

	tr := NewTransport("test", nil, time.Second)
	raw, err := tr.Do(context.Background(), http.MethodGet, srv.URL, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `"done"` {
		t.Errorf("body = %s", raw)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestTransportNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tr := NewTransport("test", nil, time.Second)
	_, err := tr.Do(context.Background(), http.MethodGet, srv.URL+"/items/9", nil, "")
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("err = %v, want ErrItemNotFound", err)
	}
	if IsTransient(err) {
		t.Error("not-found classified as transient")
	}
}

func TestTransportBreakerOpensOnAuthFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewTransport("test", nil, time.Second)
	for i := 0; i < 2; i++ {
		_, err := tr.Do(context.Background(), http.MethodGet, srv.URL, nil, "")
		if !IsAuth(err) {
			t.Fatalf("call %d: err = %v, want auth failure", i, err)
		}
	}
	before := calls.Load()

	// Breaker is open now; the call must fail fast without a request.
	_, err := tr.Do(context.Background(), http.MethodGet, srv.URL, nil, "")
	if !IsAuth(err) {
		t.Fatalf("open breaker err = %v, want auth-shaped failure", err)
	}
	if calls.Load() != before {
		t.Errorf("breaker let a request through: %d calls, want %d", calls.Load(), before)
	}
}

func TestTransportAuthNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	tr := NewTransport("test", nil, time.Second)
	_, err := tr.Do(context.Background(), http.MethodGet, srv.URL, nil, "")
	var re *RemoteError
	if !errors.As(err, &re) || re.StatusCode != http.StatusForbidden {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (auth failures are permanent)", calls.Load())
	}
}

func TestAuthFor(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		header  string
		wantErr bool
		check   func(t *testing.T, r *http.Request)
	}{
		{
			name: "pat",
			cfg:  Config{Name: "ado", AuthKind: types.AuthPAT, Credentials: map[string]string{"pat": "tok"}},
			check: func(t *testing.T, r *http.Request) {
				_, pass, _ := r.BasicAuth()
				if pass != "tok" {
					t.Errorf("pat password = %q", pass)
				}
			},
		},
		{
			name: "apikey default header",
			cfg:  Config{Name: "sdp", AuthKind: types.AuthAPIKey, Credentials: map[string]string{"apikey": "k1"}},
			check: func(t *testing.T, r *http.Request) {
				if got := r.Header.Get("authtoken"); got != "k1" {
					t.Errorf("authtoken = %q", got)
				}
			},
		},
		{
			name: "basic",
			cfg: Config{Name: "x", AuthKind: types.AuthBasic,
				Credentials: map[string]string{"username": "u", "password": "p"}},
			check: func(t *testing.T, r *http.Request) {
				user, pass, _ := r.BasicAuth()
				if user != "u" || pass != "p" {
					t.Errorf("basic = %q/%q", user, pass)
				}
			},
		},
		{
			name:    "missing credential",
			cfg:     Config{Name: "x", AuthKind: types.AuthPAT},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auth, err := AuthFor(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			req := httptest.NewRequest(http.MethodGet, "http://example/", nil)
			auth(req)
			tc.check(t, req)
		})
	}
}

func TestConfigTimeout(t *testing.T) {
	cfg := Config{Metadata: map[string]string{"timeout_seconds": "5"}}
	if got := cfg.Timeout(); got != 5*time.Second {
		t.Errorf("Timeout = %v", got)
	}
	if got := (Config{}).Timeout(); got != 30*time.Second {
		t.Errorf("default Timeout = %v", got)
	}
}

func TestKindRegistry(t *testing.T) {
	Register("unit-test-kind", func(cfg Config) (Connector, error) { return nil, errors.New("boom") })
	if !Registered("unit-test-kind") {
		t.Fatal("kind not registered")
	}
	found := false
	for _, k := range Kinds() {
		if k == "unit-test-kind" {
			found = true
		}
	}
	if !found {
		t.Error("Kinds() missing registered kind")
	}

	if _, err := New(Config{Kind: "no-such-kind"}); err == nil {
		t.Error("New with unknown kind should fail")
	}
}
