package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"apphost"
)

func newTestServer(t *testing.T, cfgs []apphost.AppConfig, reloadFn func() error) (*Server, *apphost.Registry) {
	t.Helper()
	reg := apphost.NewRegistry(zap.NewNop(), clockwork.NewRealClock())
	if err := reg.Reload(cfgs); err != nil {
		t.Fatalf("publishing apps: %v", err)
	}
	t.Cleanup(reg.Close)

	srv := New(reg, zap.NewNop(), Options{
		Listen:        ":0",
		RoutingHeader: "X-App-Key",
		ReloadFn:      reloadFn,
	})
	return srv, reg
}

func helloConfig() []apphost.AppConfig {
	return []apphost.AppConfig{{
		Name:       "hello",
		RoutingKey: "hello",
		Script: `export default {
			fetch(request) {
				const url = new URL(request.url);
				return new Response('hello from ' + url.pathname, {
					headers: {'content-type': 'text/plain', 'x-served-by': 'hello'},
				});
			}
		}`,
	}}
}

func doRequest(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_DispatchByHeader(t *testing.T) {
	srv, _ := newTestServer(t, helloConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://host.test/some/path", nil)
	req.Header.Set("X-App-Key", "hello")
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "hello from /some/path" {
		t.Errorf("body = %q", got)
	}
	if got := rec.Header().Get("X-Served-By"); got != "hello" {
		t.Errorf("X-Served-By = %q, want hello", got)
	}
}

func TestServer_DispatchBySubdomain(t *testing.T) {
	srv, _ := newTestServer(t, helloConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://hello.apps.test/", nil)
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_HeaderTakesPrecedenceOverHost(t *testing.T) {
	cfgs := append(helloConfig(), apphost.AppConfig{
		Name:       "other",
		RoutingKey: "other",
		Script:     `export default { fetch() { return new Response('other') } }`,
	})
	srv, _ := newTestServer(t, cfgs, nil)

	req := httptest.NewRequest(http.MethodGet, "http://hello.apps.test/", nil)
	req.Header.Set("X-App-Key", "other")
	rec := doRequest(t, srv, req)

	if got := rec.Body.String(); got != "other" {
		t.Errorf("body = %q, want other", got)
	}
}

func TestServer_UnknownKey(t *testing.T) {
	srv, _ := newTestServer(t, helloConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://host.test/", nil)
	req.Header.Set("X-App-Key", "nobody")
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServer_NoRoutingKey(t *testing.T) {
	srv, _ := newTestServer(t, helloConfig(), nil)

	// Bare host, no header: no key can be derived.
	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServer_PostBodyReachesScript(t *testing.T) {
	cfgs := []apphost.AppConfig{{
		Name:       "echo",
		RoutingKey: "echo",
		Script: `export default {
			async fetch(request) {
				const body = await request.text();
				return new Response(request.method + ':' + body);
			}
		}`,
	}}
	srv, _ := newTestServer(t, cfgs, nil)

	req := httptest.NewRequest(http.MethodPost, "http://host.test/", strings.NewReader("payload"))
	req.Header.Set("X-App-Key", "echo")
	rec := doRequest(t, srv, req)

	if got := rec.Body.String(); got != "POST:payload" {
		t.Errorf("body = %q, want POST:payload", got)
	}
}

func TestServer_RequestBodyTooLarge(t *testing.T) {
	srv, _ := newTestServer(t, helloConfig(), nil)

	big := strings.NewReader(strings.Repeat("x", maxRequestBody+1))
	req := httptest.NewRequest(http.MethodPost, "http://host.test/", big)
	req.Header.Set("X-App-Key", "hello")
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestServer_WatchdogTimeoutMapsTo504(t *testing.T) {
	cfgs := []apphost.AppConfig{{
		Name:             "spinner",
		RoutingKey:       "spinner",
		InvocationBudget: 100 * time.Millisecond,
		Script:           `export default { fetch() { while (true) {} } }`,
	}}
	srv, _ := newTestServer(t, cfgs, nil)

	req := httptest.NewRequest(http.MethodGet, "http://host.test/", nil)
	req.Header.Set("X-App-Key", "spinner")
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504; body: %s", rec.Code, rec.Body.String())
	}
}

// Script failures return a generic message; internals stay out of responses.
func TestServer_ScriptErrorIsOpaque(t *testing.T) {
	cfgs := []apphost.AppConfig{{
		Name:       "thrower",
		RoutingKey: "thrower",
		Script:     `export default { fetch() { throw new Error('secret internal detail') } }`,
	}}
	srv, _ := newTestServer(t, cfgs, nil)

	req := httptest.NewRequest(http.MethodGet, "http://host.test/", nil)
	req.Header.Set("X-App-Key", "thrower")
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret internal detail") {
		t.Errorf("response leaks script error detail: %s", rec.Body.String())
	}
}

func TestServer_Healthz(t *testing.T) {
	srv, reg := newTestServer(t, helloConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://host.test/healthz", nil)
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status     string `json:"status"`
		Generation uint64 `json:"generation"`
		Apps       int    `json:"apps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding health body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Apps != 1 {
		t.Errorf("apps = %d, want 1", body.Apps)
	}
	if body.Generation != reg.Generation() {
		t.Errorf("generation = %d, want %d", body.Generation, reg.Generation())
	}
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t, helloConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://host.test/metrics", nil)
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "apphost_") {
		t.Error("metrics output has no apphost_ series")
	}
}

func TestServer_ReloadSuccess(t *testing.T) {
	called := false
	srv, _ := newTestServer(t, helloConfig(), func() error {
		called = true
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "http://host.test/-/reload", nil)
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if !called {
		t.Error("reload function was not invoked")
	}
}

func TestServer_ReloadRejected(t *testing.T) {
	srv, _ := newTestServer(t, helloConfig(), func() error {
		return errors.New("app \"bad\": compile failed")
	})

	req := httptest.NewRequest(http.MethodPost, "http://host.test/-/reload", nil)
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestServer_ReloadNotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, helloConfig(), nil)

	req := httptest.NewRequest(http.MethodPost, "http://host.test/-/reload", nil)
	rec := doRequest(t, srv, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestServer_SequentialRequestsShareApp(t *testing.T) {
	cfgs := []apphost.AppConfig{{
		Name:       "counter",
		RoutingKey: "counter",
		Script: `export default {
			fetch() {
				globalThis.n = (globalThis.n || 0) + 1;
				return new Response(String(globalThis.n));
			}
		}`,
	}}
	srv, _ := newTestServer(t, cfgs, nil)

	for i := 1; i <= 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://host.test/", nil)
		req.Header.Set("X-App-Key", "counter")
		rec := doRequest(t, srv, req)
		if got := rec.Body.String(); got != fmt.Sprint(i) {
			t.Fatalf("request %d: body = %q, want %d", i, got, i)
		}
	}
}

// Dispatch metrics are labelled by routing key.
func TestServer_MetricsLabelledByRoutingKey(t *testing.T) {
	srv, _ := newTestServer(t, helloConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://host.test/", nil)
	req.Header.Set("X-App-Key", "hello")
	doRequest(t, srv, req)

	rec := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "http://host.test/metrics", nil))
	if !strings.Contains(rec.Body.String(), `routing_key="hello"`) {
		t.Error("request series missing routing_key label")
	}
}
