package apphost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// FetchSSRFEnabled controls whether the SSRF-safe dialer is used for fetch.
// Tests set this to false so httptest servers on 127.0.0.1 are reachable.
var FetchSSRFEnabled = true

// ForbiddenFetchHeaders is the blocklist of headers that app scripts cannot
// set. These are controlled by the HTTP transport or could be used for
// header smuggling.
var ForbiddenFetchHeaders = map[string]bool{
	"host":                true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"x-forwarded-for":     true,
	"x-forwarded-host":    true,
	"x-forwarded-proto":   true,
	"x-real-ip":           true,
}

// FetchTransport is the http.RoundTripper used by fetch. Tests can override it.
var FetchTransport http.RoundTripper = &http.Transport{
	DialContext: ssrfSafeDialContext,
}

// fetchResult carries the outcome of an async HTTP request back to the
// app's JS thread. reserved is the number of body bytes charged against
// the app's memory ceiling; the drain loop releases it after the body has
// been handed to the VM.
type fetchResult struct {
	Status      int
	StatusText  string
	HeadersJSON string
	BodyB64     string
	Redirected  bool
	FinalURL    string
	reserved    int64
	Err         error
}

// pendingFetch is an in-flight HTTP request whose result has not yet been
// delivered into the VM.
type pendingFetch struct {
	id       string
	resultCh chan fetchResult
	cancel   context.CancelFunc
}

// fetchJS defines the global fetch() and the resolve/reject bridges that the
// drain loop invokes once a pending request completes.
const fetchJS = `
(function() {
globalThis.__fetchPromises = {};

globalThis.fetch = function(input, init) {
	var url = '', method = 'GET', headers = {}, body = '', bodyIsBase64 = false;
	var redirect = 'follow', signalAborted = false, signal = null;

	function extractBody(b) {
		if (b == null) return;
		if (b instanceof ArrayBuffer || ArrayBuffer.isView(b)) {
			body = __bufferSourceToB64(b);
			bodyIsBase64 = true;
		} else {
			body = String(b);
		}
	}

	if (typeof input === 'string') {
		url = input;
	} else if (input instanceof URL) {
		url = input.toString();
	} else if (input && typeof input === 'object') {
		url = input.url || '';
		method = input.method || 'GET';
		if (input.headers) {
			if (input.headers._map) {
				var m = input.headers._map;
				for (var k in m) { if (m.hasOwnProperty(k)) headers[k] = String(m[k]); }
			} else if (typeof input.headers.forEach === 'function') {
				input.headers.forEach(function(v, k) { headers[k] = v; });
			}
		}
		if (input._body != null) extractBody(input._body);
		if (input.redirect !== undefined) redirect = String(input.redirect);
		if (input.signal) { signal = input.signal; if (input.signal.aborted) signalAborted = true; }
	}

	if (init && typeof init === 'object') {
		if (init.method !== undefined) method = String(init.method).toUpperCase();
		if (init.headers) {
			var src;
			if (init.headers instanceof Headers) {
				src = {};
				init.headers.forEach(function(v, k) { src[k] = v; });
			} else if (init.headers._map) {
				src = init.headers._map;
			} else {
				src = init.headers;
			}
			if (typeof src === 'object') {
				for (var k2 in src) { if (src.hasOwnProperty(k2)) headers[k2.toLowerCase()] = String(src[k2]); }
			}
		}
		if (init.body != null) extractBody(init.body);
		if (init.redirect !== undefined) redirect = String(init.redirect);
		if (init.signal) { signal = init.signal; if (init.signal.aborted) signalAborted = true; }
	}

	if (!method) method = 'GET';

	if (signalAborted) {
		return Promise.reject(new TypeError('The operation was aborted.'));
	}

	var argsJSON = JSON.stringify({
		url: url, method: method, headersJSON: JSON.stringify(headers),
		body: body || '', bodyIsBase64: bodyIsBase64,
		redirect: redirect
	});

	return new Promise(function(resolve, reject) {
		try {
			var fetchID = __fetchStart(argsJSON);
			globalThis.__fetchPromises[fetchID] = { resolve: resolve, reject: reject };

			if (signal && !signal.aborted) {
				signal.addEventListener('abort', function onAbort() {
					signal.removeEventListener('abort', onAbort);
					__fetchAbort(fetchID);
					var p = globalThis.__fetchPromises[fetchID];
					if (p) {
						delete globalThis.__fetchPromises[fetchID];
						p.reject(new TypeError('The operation was aborted.'));
					}
				});
			}
		} catch(e) { reject(e); }
	});
};

globalThis.__fetchResolve = function(fetchID, status, statusText, headersJSON, bodyB64, redirected, finalURL) {
	var p = globalThis.__fetchPromises[fetchID];
	delete globalThis.__fetchPromises[fetchID];
	if (!p) return;
	try {
		var hdrs = JSON.parse(headersJSON);
		var body = null;
		if (bodyB64 && bodyB64.length > 0) {
			var buf = __b64ToBuffer(bodyB64);
			var ct = (hdrs['content-type'] || '').toLowerCase();
			if (ct.indexOf('text/') === 0 || ct.indexOf('application/json') !== -1 ||
			    ct.indexOf('application/xml') !== -1 || ct.indexOf('application/javascript') !== -1 ||
			    ct.indexOf('application/x-www-form-urlencoded') !== -1) {
				body = new TextDecoder().decode(buf);
			} else {
				body = buf;
			}
		}
		var r = new Response(body, {status: status, statusText: statusText, headers: hdrs});
		if (redirected) {
			Object.defineProperty(r, 'redirected', {value: true, writable: false});
		}
		Object.defineProperty(r, 'url', {value: finalURL || '', writable: false});
		p.resolve(r);
	} catch(e) { p.reject(e); }
};

globalThis.__fetchReject = function(fetchID, errMsg) {
	var p = globalThis.__fetchPromises[fetchID];
	delete globalThis.__fetchPromises[fetchID];
	if (p) p.reject(new TypeError(errMsg));
};
})();
`

// setupFetch registers the Go-backed fetch helpers for an app and evaluates
// the JS polyfill. All closures capture the App: fetch budgets, the memory
// ceiling, and the pending-fetch list are per-app state.
func setupFetch(rt *jsRuntime, a *App) error {
	// __fetchStart(argsJSON) -> fetchID
	if err := rt.RegisterFunc("__fetchStart", func(argsJSON string) (string, error) {
		if a.inv == nil {
			return "", fmt.Errorf("fetch is only available while handling a request")
		}
		if a.inv.fetchCount >= a.cfg.MaxFetchesPerInvoke {
			return "", fmt.Errorf("exceeded maximum fetch requests (%d)", a.cfg.MaxFetchesPerInvoke)
		}
		a.inv.fetchCount++

		var args struct {
			URL          string `json:"url"`
			Method       string `json:"method"`
			HeadersJSON  string `json:"headersJSON"`
			Body         string `json:"body"`
			BodyIsBase64 bool   `json:"bodyIsBase64"`
			Redirect     string `json:"redirect"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("fetch: parsing arguments: %s", err.Error())
		}
		if args.URL == "" {
			return "", fmt.Errorf("fetch requires at least 1 argument")
		}

		if FetchSSRFEnabled && isPrivateHostname(args.URL) {
			return "", fmt.Errorf("fetch to private IP addresses is not allowed")
		}

		var headers map[string]string
		if args.HeadersJSON != "" && args.HeadersJSON != "{}" {
			if err := json.Unmarshal([]byte(args.HeadersJSON), &headers); err != nil {
				return "", fmt.Errorf("fetch: parsing headers: %s", err.Error())
			}
		}

		var bodyReader io.Reader
		if args.Body != "" {
			raw := args.Body
			if args.BodyIsBase64 {
				decoded, err := base64.StdEncoding.DecodeString(args.Body)
				if err != nil {
					return "", fmt.Errorf("fetch: decoding binary body: %s", err.Error())
				}
				raw = string(decoded)
			}
			if mlErr := a.ceiling.tryReserve(int64(len(raw))); mlErr != nil {
				return "", mlErr
			}
			defer a.ceiling.release(int64(len(raw)))
			bodyReader = strings.NewReader(raw)
		}

		fetchCtx, fetchCancel := context.WithCancel(context.Background())
		fetchID := uuid.NewString()

		httpReq, err := http.NewRequestWithContext(fetchCtx, args.Method, args.URL, bodyReader)
		if err != nil {
			fetchCancel()
			return "", fmt.Errorf("fetch: %s", err.Error())
		}
		for k, v := range headers {
			if ForbiddenFetchHeaders[strings.ToLower(k)] {
				continue
			}
			httpReq.Header.Set(k, v)
		}

		redirectMode := args.Redirect
		if redirectMode == "" {
			redirectMode = "follow"
		}
		var checkRedirect func(req *http.Request, via []*http.Request) error
		switch redirectMode {
		case "manual":
			checkRedirect = func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			}
		case "error":
			checkRedirect = func(req *http.Request, via []*http.Request) error {
				return fmt.Errorf("fetch failed: redirect mode is 'error'")
			}
		default:
			checkRedirect = func(req *http.Request, via []*http.Request) error {
				if len(via) >= 20 {
					return fmt.Errorf("too many redirects")
				}
				if FetchSSRFEnabled && isPrivateHostname(req.URL.String()) {
					return fmt.Errorf("redirect to private IP address is not allowed")
				}
				return nil
			}
		}

		client := &http.Client{
			Timeout:       a.cfg.FetchTimeout,
			Transport:     FetchTransport,
			CheckRedirect: checkRedirect,
		}

		capturedRedirectMode := redirectMode
		capturedURL := args.URL
		maxBytes := a.cfg.MaxResponseBytes

		resultCh := make(chan fetchResult, 1)
		go func() {
			defer fetchCancel()
			resp, httpErr := client.Do(httpReq)
			if httpErr != nil {
				if capturedRedirectMode == "error" {
					resultCh <- fetchResult{Err: fmt.Errorf("fetch failed: redirect mode is 'error'")}
					return
				}
				if fetchCtx.Err() != nil {
					resultCh <- fetchResult{Err: fmt.Errorf("The operation was aborted.")}
					return
				}
				resultCh <- fetchResult{Err: fmt.Errorf("fetch: %s", httpErr.Error())}
				return
			}
			defer func() { _ = resp.Body.Close() }()

			limitedReader := io.LimitReader(resp.Body, maxBytes+1)
			respBody, readErr := io.ReadAll(limitedReader)
			if readErr != nil {
				resultCh <- fetchResult{Err: fmt.Errorf("fetch: reading body: %s", readErr.Error())}
				return
			}
			if int64(len(respBody)) > maxBytes {
				respBody = respBody[:maxBytes]
			}

			reserved := int64(len(respBody))
			if mlErr := a.ceiling.tryReserve(reserved); mlErr != nil {
				resultCh <- fetchResult{Err: mlErr}
				return
			}

			respHeaders := make(map[string]string)
			for k, vals := range resp.Header {
				respHeaders[strings.ToLower(k)] = strings.Join(vals, ", ")
			}
			hdrsJSON, _ := json.Marshal(respHeaders)

			finalURL := capturedURL
			if resp.Request != nil && resp.Request.URL != nil {
				finalURL = resp.Request.URL.String()
			}

			resultCh <- fetchResult{
				Status:      resp.StatusCode,
				StatusText:  resp.Status,
				HeadersJSON: string(hdrsJSON),
				BodyB64:     base64.StdEncoding.EncodeToString(respBody),
				Redirected:  finalURL != capturedURL,
				FinalURL:    finalURL,
				reserved:    reserved,
			}
		}()

		a.inv.pendingFetches = append(a.inv.pendingFetches, &pendingFetch{
			id:       fetchID,
			resultCh: resultCh,
			cancel:   fetchCancel,
		})
		return fetchID, nil
	}); err != nil {
		return err
	}

	// __fetchAbort(fetchID)
	if err := rt.RegisterFunc("__fetchAbort", func(fetchID string) {
		if a.inv == nil {
			return
		}
		for _, pf := range a.inv.pendingFetches {
			if pf.id == fetchID {
				pf.cancel()
				return
			}
		}
	}); err != nil {
		return err
	}

	return rt.Eval(fetchJS)
}

// --- SSRF protection ---

// isPrivateHostname performs a fast, non-resolving pre-check for obviously
// private hostnames and literal IP addresses. It does not resolve DNS; the
// dialer re-validates at connect time to defeat DNS rebinding.
func isPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	hostname := u.Hostname()
	if hostname == "" {
		return true
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return isPrivateIP(ip)
	}
	return false
}

// ssrfSafeDialContext resolves DNS and validates the resolved IP against
// private ranges at connect time.
func ssrfSafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}
	var safeIP net.IPAddr
	found := false
	for _, ip := range ips {
		if !isPrivateIP(ip.IP) {
			safeIP = ip
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("fetch to private IP addresses is not allowed")
	}
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(safeIP.IP.String(), port))
}

// privateRanges is parsed once at init time.
var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"240.0.0.0/4",
		"::1/128", "fc00::/7", "fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

// isPrivateIP returns true if the IP is in a private, loopback, or
// link-local range.
func isPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
