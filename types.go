package apphost

import "time"

// Request represents an inbound HTTP request handed to an app's handler.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response represents the HTTP response produced by an app's handler.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Result wraps a response with execution metadata.
type Result struct {
	Response *Response
	Logs     []LogEntry
	Error    error
	Duration time.Duration
}

// LogEntry is a single console.log/warn/error captured from a script.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// AppConfig is one app definition as consumed by the core. The host does
// not parse files; internal/config produces these with Script materialized
// and Env fully populated.
type AppConfig struct {
	Name       string
	RoutingKey string
	Script     string
	Env        map[string]string

	MemoryLimitBytes    int64
	InvocationBudget    time.Duration
	FetchTimeout        time.Duration
	MaxFetchesPerInvoke int
	MaxResponseBytes    int64
}

// Defaults applied when an AppConfig leaves a limit zero.
const (
	DefaultMemoryLimitBytes    = 128 * 1024 * 1024
	DefaultInvocationBudget    = time.Second
	DefaultFetchTimeout        = 10 * time.Second
	DefaultMaxFetchesPerInvoke = 32
	DefaultMaxResponseBytes    = 10 * 1024 * 1024
)

func (c AppConfig) withDefaults() AppConfig {
	if c.MemoryLimitBytes <= 0 {
		c.MemoryLimitBytes = DefaultMemoryLimitBytes
	}
	if c.InvocationBudget <= 0 {
		c.InvocationBudget = DefaultInvocationBudget
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.MaxFetchesPerInvoke <= 0 {
		c.MaxFetchesPerInvoke = DefaultMaxFetchesPerInvoke
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return c
}
