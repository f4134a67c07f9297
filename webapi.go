package apphost

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// webAPIsJS defines the value classes scripts see: Headers, URL,
// URLSearchParams, Request, Response, TextEncoder, TextDecoder.
const webAPIsJS = `
class Headers {
	constructor(init) {
		this._map = {};
		if (init) {
			if (init instanceof Headers) {
				for (const [k, v] of Object.entries(init._map)) this._map[k] = v;
			} else if (Array.isArray(init)) {
				for (const [k, v] of init) this._map[k.toLowerCase()] = String(v);
			} else {
				for (const [k, v] of Object.entries(init)) this._map[k.toLowerCase()] = String(v);
			}
		}
	}
	get(name) { const v = this._map[name.toLowerCase()]; return v === undefined ? null : v; }
	set(name, value) { this._map[name.toLowerCase()] = String(value); }
	has(name) { return name.toLowerCase() in this._map; }
	delete(name) { delete this._map[name.toLowerCase()]; }
	append(name, value) {
		const key = name.toLowerCase();
		this._map[key] = key in this._map ? this._map[key] + ', ' + String(value) : String(value);
	}
	forEach(cb) { for (const [k, v] of Object.entries(this._map)) cb(v, k, this); }
	entries() { return Object.entries(this._map)[Symbol.iterator](); }
	keys() { return Object.keys(this._map)[Symbol.iterator](); }
	values() { return Object.values(this._map)[Symbol.iterator](); }
	[Symbol.iterator]() { return this.entries(); }
}

class URLSearchParams {
	constructor(init) {
		this._pairs = [];
		if (typeof init === 'string') {
			let s = init;
			if (s.startsWith('?')) s = s.slice(1);
			if (s.length > 0) {
				for (const part of s.split('&')) {
					const eq = part.indexOf('=');
					if (eq === -1) {
						this._pairs.push([decodeURIComponent(part), '']);
					} else {
						this._pairs.push([
							decodeURIComponent(part.slice(0, eq).replace(/\+/g, ' ')),
							decodeURIComponent(part.slice(eq + 1).replace(/\+/g, ' ')),
						]);
					}
				}
			}
		} else if (init && typeof init === 'object') {
			for (const [k, v] of Object.entries(init)) this._pairs.push([k, String(v)]);
		}
	}
	get(name) { const p = this._pairs.find(([k]) => k === name); return p ? p[1] : null; }
	getAll(name) { return this._pairs.filter(([k]) => k === name).map(([, v]) => v); }
	has(name) { return this._pairs.some(([k]) => k === name); }
	set(name, value) {
		this._pairs = this._pairs.filter(([k]) => k !== name);
		this._pairs.push([name, String(value)]);
	}
	append(name, value) { this._pairs.push([name, String(value)]); }
	delete(name) { this._pairs = this._pairs.filter(([k]) => k !== name); }
	forEach(cb) { for (const [k, v] of this._pairs) cb(v, k, this); }
	entries() { return this._pairs.map(p => [...p])[Symbol.iterator](); }
	keys() { return this._pairs.map(([k]) => k)[Symbol.iterator](); }
	toString() {
		return this._pairs.map(([k, v]) =>
			encodeURIComponent(k) + '=' + encodeURIComponent(v)).join('&');
	}
	[Symbol.iterator]() { return this.entries(); }
}

class URL {
	constructor(input, base) {
		const parsed = JSON.parse(__parseURL(String(input), base === undefined ? '' : String(base)));
		if (parsed.error) throw new TypeError(parsed.error);
		this._p = parsed;
		this._searchParams = new URLSearchParams(parsed.search);
	}
	get href() { return this._p.href; }
	get protocol() { return this._p.protocol; }
	get origin() { return this._p.origin; }
	get host() { return this._p.host; }
	get hostname() { return this._p.hostname; }
	get port() { return this._p.port; }
	get pathname() { return this._p.pathname; }
	get search() { return this._p.search; }
	get hash() { return this._p.hash; }
	get searchParams() { return this._searchParams; }
	toString() { return this._p.href; }
	toJSON() { return this._p.href; }
}

function __bodyToText(body) {
	if (body === null || body === undefined) return '';
	if (typeof body === 'string') return body;
	if (body instanceof ArrayBuffer || ArrayBuffer.isView(body)) {
		const view = body instanceof ArrayBuffer
			? new Uint8Array(body)
			: new Uint8Array(body.buffer, body.byteOffset, body.byteLength);
		let out = '';
		const CHUNK = 8192;
		for (let i = 0; i < view.length; i += CHUNK) {
			out += String.fromCharCode.apply(null, Array.from(view.subarray(i, Math.min(i + CHUNK, view.length))));
		}
		return out;
	}
	return String(body);
}

class Request {
	constructor(input, init) {
		init = init || {};
		if (input instanceof Request) {
			this._url = input._url;
			this.method = input.method;
			this.headers = new Headers(input.headers._map);
			this._body = input._body;
		} else {
			this._url = String(input);
			this.method = 'GET';
			this.headers = new Headers();
			this._body = null;
		}
		if (init.method !== undefined) this.method = String(init.method).toUpperCase();
		if (init.headers !== undefined) this.headers = new Headers(init.headers);
		if (init.body !== undefined && init.body !== null) this._body = init.body;
	}
	get url() { return this._url; }
	text() { return Promise.resolve(__bodyToText(this._body)); }
	json() { return this.text().then(t => JSON.parse(t)); }
	clone() { return new Request(this); }
}

class Response {
	constructor(body, init) {
		init = init || {};
		this._body = body === undefined ? null : body;
		this.status = init.status !== undefined ? Number(init.status) : 200;
		this.statusText = init.statusText !== undefined ? String(init.statusText) : '';
		this.headers = new Headers(init.headers);
	}
	get ok() { return this.status >= 200 && this.status < 300; }
	text() { return Promise.resolve(__bodyToText(this._body)); }
	json() { return this.text().then(t => JSON.parse(t)); }
	clone() {
		return new Response(this._body, {
			status: this.status,
			statusText: this.statusText,
			headers: this.headers._map,
		});
	}
	static json(data, init) {
		init = init || {};
		const headers = new Headers(init.headers);
		if (!headers.has('content-type')) headers.set('content-type', 'application/json');
		return new Response(JSON.stringify(data), {
			status: init.status !== undefined ? init.status : 200,
			statusText: init.statusText,
			headers: headers._map,
		});
	}
}

class TextEncoder {
	get encoding() { return 'utf-8'; }
	encode(input) {
		const s = String(input === undefined ? '' : input);
		const out = [];
		for (let i = 0; i < s.length; i++) {
			let cp = s.codePointAt(i);
			if (cp > 0xFFFF) i++;
			if (cp < 0x80) out.push(cp);
			else if (cp < 0x800) {
				out.push(0xC0 | (cp >> 6), 0x80 | (cp & 0x3F));
			} else if (cp < 0x10000) {
				out.push(0xE0 | (cp >> 12), 0x80 | ((cp >> 6) & 0x3F), 0x80 | (cp & 0x3F));
			} else {
				out.push(0xF0 | (cp >> 18), 0x80 | ((cp >> 12) & 0x3F), 0x80 | ((cp >> 6) & 0x3F), 0x80 | (cp & 0x3F));
			}
		}
		return new Uint8Array(out);
	}
}

class TextDecoder {
	get encoding() { return 'utf-8'; }
	decode(input) {
		if (input === undefined) return '';
		const view = input instanceof ArrayBuffer
			? new Uint8Array(input)
			: new Uint8Array(input.buffer, input.byteOffset, input.byteLength);
		let out = '';
		let i = 0;
		while (i < view.length) {
			const b = view[i];
			let cp, extra;
			if (b < 0x80) { cp = b; extra = 0; }
			else if ((b & 0xE0) === 0xC0) { cp = b & 0x1F; extra = 1; }
			else if ((b & 0xF0) === 0xE0) { cp = b & 0x0F; extra = 2; }
			else { cp = b & 0x07; extra = 3; }
			i++;
			while (extra-- > 0 && i < view.length) {
				cp = (cp << 6) | (view[i] & 0x3F);
				i++;
			}
			out += String.fromCodePoint(cp);
		}
		return out;
	}
}

class AbortSignal {
	constructor() {
		this.aborted = false;
		this.reason = undefined;
		this._listeners = [];
	}
	addEventListener(type, fn) {
		if (type === 'abort') this._listeners.push(fn);
	}
	removeEventListener(type, fn) {
		if (type !== 'abort') return;
		const i = this._listeners.indexOf(fn);
		if (i !== -1) this._listeners.splice(i, 1);
	}
	_fire(reason) {
		if (this.aborted) return;
		this.aborted = true;
		this.reason = reason !== undefined ? reason : new TypeError('The operation was aborted.');
		const listeners = this._listeners.slice();
		this._listeners = [];
		for (const fn of listeners) fn({type: 'abort', target: this});
	}
}

class AbortController {
	constructor() { this.signal = new AbortSignal(); }
	abort(reason) { this.signal._fire(reason); }
}

globalThis.Headers = Headers;
globalThis.URLSearchParams = URLSearchParams;
globalThis.URL = URL;
globalThis.Request = Request;
globalThis.Response = Response;
globalThis.TextEncoder = TextEncoder;
globalThis.TextDecoder = TextDecoder;
globalThis.AbortSignal = AbortSignal;
globalThis.AbortController = AbortController;
`

// setupWebAPIs registers __parseURL and evaluates the value classes.
func setupWebAPIs(rt *jsRuntime) error {
	if err := rt.RegisterFunc("__parseURL", func(input, base string) string {
		type parsed struct {
			Href     string `json:"href"`
			Protocol string `json:"protocol"`
			Origin   string `json:"origin"`
			Host     string `json:"host"`
			Hostname string `json:"hostname"`
			Port     string `json:"port"`
			Pathname string `json:"pathname"`
			Search   string `json:"search"`
			Hash     string `json:"hash"`
			Error    string `json:"error,omitempty"`
		}

		fail := func(msg string) string {
			b, _ := json.Marshal(parsed{Error: msg})
			return string(b)
		}

		var u *url.URL
		var err error
		if base != "" {
			var b *url.URL
			b, err = url.Parse(base)
			if err == nil {
				u, err = b.Parse(input)
			}
		} else {
			u, err = url.Parse(input)
		}
		if err != nil {
			return fail(fmt.Sprintf("invalid URL: %s", err.Error()))
		}
		if u.Scheme == "" || u.Host == "" {
			return fail(fmt.Sprintf("invalid URL: %q", input))
		}

		path := u.EscapedPath()
		if path == "" {
			path = "/"
		}
		search := ""
		if u.RawQuery != "" {
			search = "?" + u.RawQuery
		}
		hash := ""
		if u.Fragment != "" {
			hash = "#" + u.Fragment
		}
		p := parsed{
			Protocol: u.Scheme + ":",
			Host:     u.Host,
			Hostname: u.Hostname(),
			Port:     u.Port(),
			Pathname: path,
			Search:   search,
			Hash:     hash,
		}
		p.Origin = p.Protocol + "//" + p.Host
		p.Href = p.Origin + p.Pathname + p.Search + p.Hash
		b, _ := json.Marshal(p)
		return string(b)
	}); err != nil {
		return fmt.Errorf("registering __parseURL: %w", err)
	}

	if err := rt.Eval(webAPIsJS); err != nil {
		return fmt.Errorf("evaluating webapi.js: %w", err)
	}
	return nil
}
