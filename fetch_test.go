package apphost

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// withSSRFDisabled lets tests reach httptest servers on 127.0.0.1. The
// transport is swapped too: the default one rejects private IPs inside the
// dialer regardless of the flag.
func withSSRFDisabled(t *testing.T) {
	t.Helper()
	prevFlag := FetchSSRFEnabled
	prevTransport := FetchTransport
	FetchSSRFEnabled = false
	FetchTransport = http.DefaultTransport
	t.Cleanup(func() {
		FetchSSRFEnabled = prevFlag
		FetchTransport = prevTransport
	})
}

func fetchApp(t *testing.T, script string, env map[string]string) *App {
	t.Helper()
	cfg := testAppConfig("test-"+t.Name(), script)
	cfg.Env = env
	return newTestApp(t, cfg)
}

func TestFetch_BasicGET(t *testing.T) {
	withSSRFDisabled(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "upstream says hi")
	}))
	t.Cleanup(srv.Close)

	a := fetchApp(t, `
		export default {
			async fetch(request, env) {
				const resp = await fetch(env.UPSTREAM);
				const text = await resp.text();
				return new Response('got: ' + text);
			}
		}
	`, map[string]string{"UPSTREAM": srv.URL})
	assertBody(t, a.Invoke(context.Background(), getReq("http://x/")), "got: upstream says hi")
}

func TestFetch_PostBodyAndHeaders(t *testing.T) {
	withSSRFDisabled(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s|%s|%s", r.Method, r.Header.Get("X-Token"), body)
	}))
	t.Cleanup(srv.Close)

	a := fetchApp(t, `
		export default {
			async fetch(request, env) {
				const resp = await fetch(env.UPSTREAM, {
					method: 'POST',
					headers: {'X-Token': 'secret123'},
					body: 'payload',
				});
				return new Response(await resp.text());
			}
		}
	`, map[string]string{"UPSTREAM": srv.URL})
	assertBody(t, a.Invoke(context.Background(), getReq("http://x/")), "POST|secret123|payload")
}

// Non-2xx responses resolve normally; only transport failures reject.
func TestFetch_Non2xxResolves(t *testing.T) {
	withSSRFDisabled(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	a := fetchApp(t, `
		export default {
			async fetch(request, env) {
				const resp = await fetch(env.UPSTREAM);
				return new Response('status=' + resp.status + ' ok=' + resp.ok);
			}
		}
	`, map[string]string{"UPSTREAM": srv.URL})
	assertBody(t, a.Invoke(context.Background(), getReq("http://x/")), "status=404 ok=false")
}

// Transport errors surface as catchable rejections, not host failures.
func TestFetch_TransportErrorCatchable(t *testing.T) {
	withSSRFDisabled(t)
	a := fetchApp(t, `
		export default {
			async fetch(request, env) {
				try {
					await fetch('http://127.0.0.1:1/unreachable');
					return new Response('unexpected success');
				} catch (e) {
					return new Response('caught transport error');
				}
			}
		}
	`, nil)
	assertBody(t, a.Invoke(context.Background(), getReq("http://x/")), "caught transport error")
}

func TestFetch_SSRFBlocksPrivateAddresses(t *testing.T) {
	// SSRF protection stays enabled here.
	a := fetchApp(t, `
		export default {
			async fetch() {
				try {
					await fetch('http://127.0.0.1:8080/internal');
					return new Response('reached private address');
				} catch (e) {
					return new Response('blocked');
				}
			}
		}
	`, nil)
	assertBody(t, a.Invoke(context.Background(), getReq("http://x/")), "blocked")
}

func TestFetch_PerInvocationLimit(t *testing.T) {
	withSSRFDisabled(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)

	cfg := testAppConfig("test-fetch-limit", `
		export default {
			async fetch(request, env) {
				await fetch(env.UPSTREAM);
				await fetch(env.UPSTREAM);
				try {
					await fetch(env.UPSTREAM);
					return new Response('limit not enforced');
				} catch (e) {
					return new Response('limited');
				}
			}
		}
	`)
	cfg.Env = map[string]string{"UPSTREAM": srv.URL}
	cfg.MaxFetchesPerInvoke = 2
	a := newTestApp(t, cfg)
	ctx := context.Background()

	assertBody(t, a.Invoke(ctx, getReq("http://x/")), "limited")
	// The budget is per invocation, so the next request starts fresh.
	assertBody(t, a.Invoke(ctx, getReq("http://x/")), "limited")
}

func TestFetch_ForbiddenHeadersStripped(t *testing.T) {
	withSSRFDisabled(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "xff=%q token=%q", r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Token"))
	}))
	t.Cleanup(srv.Close)

	a := fetchApp(t, `
		export default {
			async fetch(request, env) {
				const resp = await fetch(env.UPSTREAM, {
					headers: {'X-Forwarded-For': '10.0.0.1', 'X-Token': 'kept'},
				});
				return new Response(await resp.text());
			}
		}
	`, map[string]string{"UPSTREAM": srv.URL})
	assertBody(t, a.Invoke(context.Background(), getReq("http://x/")), `xff="" token="kept"`)
}

func TestFetch_ResponseBodyTruncatedAtLimit(t *testing.T) {
	withSSRFDisabled(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("z", 4096))
	}))
	t.Cleanup(srv.Close)

	cfg := testAppConfig("test-fetch-trunc", `
		export default {
			async fetch(request, env) {
				const resp = await fetch(env.UPSTREAM);
				const text = await resp.text();
				return new Response(String(text.length));
			}
		}
	`)
	cfg.Env = map[string]string{"UPSTREAM": srv.URL}
	cfg.MaxResponseBytes = 1024
	a := newTestApp(t, cfg)
	assertBody(t, a.Invoke(context.Background(), getReq("http://x/")), "1024")
}

// Fetched bodies are charged to the app's ceiling while in transit and
// released once handed to the VM.
func TestFetch_CeilingReleasedAfterDelivery(t *testing.T) {
	withSSRFDisabled(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("z", 8192))
	}))
	t.Cleanup(srv.Close)

	a := fetchApp(t, `
		export default {
			async fetch(request, env) {
				const resp = await fetch(env.UPSTREAM);
				await resp.text();
				return new Response('done');
			}
		}
	`, map[string]string{"UPSTREAM": srv.URL})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assertBody(t, a.Invoke(ctx, getReq("http://x/")), "done")
	}
	if got := a.MemoryUsed(); got != 0 {
		t.Fatalf("MemoryUsed = %d after deliveries, want 0", got)
	}
}

func TestFetch_RedirectManual(t *testing.T) {
	withSSRFDisabled(t)
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/from" {
			http.Redirect(w, r, srvURL+"/to", http.StatusFound)
			return
		}
		fmt.Fprint(w, "followed")
	}))
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	a := fetchApp(t, `
		export default {
			async fetch(request, env) {
				const resp = await fetch(env.UPSTREAM + '/from', {redirect: 'manual'});
				return new Response('status=' + resp.status);
			}
		}
	`, map[string]string{"UPSTREAM": srv.URL})
	assertBody(t, a.Invoke(context.Background(), getReq("http://x/")), "status=302")
}

func TestFetch_RedirectFollow(t *testing.T) {
	withSSRFDisabled(t)
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/from" {
			http.Redirect(w, r, srvURL+"/to", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "followed")
	}))
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	a := fetchApp(t, `
		export default {
			async fetch(request, env) {
				const resp = await fetch(env.UPSTREAM + '/from');
				return new Response(await resp.text() + ' redirected=' + resp.redirected);
			}
		}
	`, map[string]string{"UPSTREAM": srv.URL})
	assertBody(t, a.Invoke(context.Background(), getReq("http://x/")), "followed redirected=true")
}

func TestFetch_AbortSignal(t *testing.T) {
	withSSRFDisabled(t)
	a := fetchApp(t, `
		export default {
			async fetch() {
				const ctl = new AbortController();
				ctl.abort();
				try {
					await fetch('http://127.0.0.1:1/', {signal: ctl.signal});
					return new Response('not aborted');
				} catch (e) {
					return new Response('aborted');
				}
			}
		}
	`, nil)
	assertBody(t, a.Invoke(context.Background(), getReq("http://x/")), "aborted")
}

// The SSRF dialer enforces the block at connect time, independent of the
// flag-guarded pre-check; tests that need loopback must swap the transport.
func TestSSRFDialerBlocksLoopback(t *testing.T) {
	if _, err := ssrfSafeDialContext(context.Background(), "tcp", "127.0.0.1:80"); err == nil {
		t.Fatal("dial to loopback succeeded, want private-IP rejection")
	} else if !strings.Contains(err.Error(), "private IP") {
		t.Fatalf("dial err = %v, want private-IP rejection", err)
	}
}

func TestIsPrivateHostname(t *testing.T) {
	private := []string{
		"http://localhost/",
		"http://sub.localhost/",
		"http://127.0.0.1/",
		"http://10.1.2.3/",
		"http://192.168.1.1/",
		"http://172.16.0.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
		"://bad url",
	}
	for _, u := range private {
		if !isPrivateHostname(u) {
			t.Errorf("isPrivateHostname(%q) = false, want true", u)
		}
	}

	public := []string{
		"http://example.com/",
		"https://8.8.8.8/",
		"https://api.service.io/v1",
	}
	for _, u := range public {
		if isPrivateHostname(u) {
			t.Errorf("isPrivateHostname(%q) = true, want false", u)
		}
	}
}
