// Package monitor probes configured HTTP endpoints and classifies their
// health. Probe results feed the API's health-check operation and the
// Prometheus gauges.
package monitor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/qa-infra/qa-acceptor/metrics"
)

// Health classifies one probe.
type Health string

const (
	Healthy   Health = "healthy"
	Slow      Health = "slow"
	Unhealthy Health = "unhealthy"
	Errored   Health = "error"
)

const maxHistory = 1000

// EndpointConfig describes one endpoint to probe.
type EndpointConfig struct {
	Name            string        `yaml:"name"`
	URL             string        `yaml:"url"`
	Method          string        `yaml:"method,omitempty"`
	Payload         string        `yaml:"payload,omitempty"`
	ExpectedStatus  int           `yaml:"expected_status,omitempty"`
	MaxResponseTime time.Duration `yaml:"max_response_time,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	Retries         int           `yaml:"retries,omitempty"`
	RetryDelay      time.Duration `yaml:"retry_delay,omitempty"`
}

func (e EndpointConfig) withDefaults() EndpointConfig {
	if e.Method == "" {
		e.Method = http.MethodGet
	}
	if e.ExpectedStatus == 0 {
		e.ExpectedStatus = http.StatusOK
	}
	if e.MaxResponseTime <= 0 {
		e.MaxResponseTime = 5 * time.Second
	}
	if e.Timeout <= 0 {
		e.Timeout = 10 * time.Second
	}
	if e.Retries <= 0 {
		e.Retries = 3
	}
	if e.RetryDelay <= 0 {
		e.RetryDelay = time.Second
	}
	return e
}

// Result is the outcome of one probe.
type Result struct {
	Endpoint     string    `json:"endpoint"`
	URL          string    `json:"url"`
	Status       Health    `json:"status"`
	StatusCode   int       `json:"statusCode,omitempty"`
	ResponseTime float64   `json:"responseTimeMs"`
	Timestamp    time.Time `json:"timestamp"`
	Error        string    `json:"error,omitempty"`
}

// Monitor probes endpoints with bounded retries and keeps a bounded
// in-memory history of results.
type Monitor struct {
	log       *zap.SugaredLogger
	client    *http.Client
	endpoints []EndpointConfig

	mu      sync.Mutex
	history []Result
}

// New creates a Monitor for the given endpoints.
func New(log *zap.SugaredLogger, endpoints []EndpointConfig) *Monitor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfgs := make([]EndpointConfig, 0, len(endpoints))
	for _, e := range endpoints {
		cfgs = append(cfgs, e.withDefaults())
	}
	return &Monitor{
		log:       log,
		client:    &http.Client{},
		endpoints: cfgs,
	}
}

// LoadEndpoints reads an endpoint list from a YAML file.
func LoadEndpoints(path string) ([]EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoints file %s: %w", path, err)
	}
	var doc struct {
		Endpoints []EndpointConfig `yaml:"endpoints"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse endpoints file %s: %w", path, err)
	}
	for i := range doc.Endpoints {
		doc.Endpoints[i].URL = os.ExpandEnv(doc.Endpoints[i].URL)
	}
	return doc.Endpoints, nil
}

// CheckAll probes every configured endpoint sequentially and returns the
// results, recording each in the history and the metrics.
func (m *Monitor) CheckAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		results = append(results, m.Check(ctx, ep))
	}
	return results
}

// Check probes one endpoint, retrying transport failures up to the
// configured retry count.
func (m *Monitor) Check(ctx context.Context, ep EndpointConfig) Result {
	ep = ep.withDefaults()
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < ep.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(ep.RetryDelay):
			case <-ctx.Done():
				return m.record(errorResult(ep, start, ctx.Err().Error()))
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
		req, err := http.NewRequestWithContext(reqCtx, ep.Method, ep.URL, bytes.NewBufferString(ep.Payload))
		if err != nil {
			cancel()
			return m.record(errorResult(ep, start, err.Error()))
		}
		if ep.Payload != "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := m.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		elapsed := float64(time.Since(start).Milliseconds())
		result := Result{
			Endpoint:     ep.Name,
			URL:          ep.URL,
			StatusCode:   resp.StatusCode,
			ResponseTime: elapsed,
			Timestamp:    time.Now(),
		}
		switch {
		case resp.StatusCode != ep.ExpectedStatus:
			result.Status = Unhealthy
			result.Error = fmt.Sprintf("expected status %d, got %d", ep.ExpectedStatus, resp.StatusCode)
		case elapsed > float64(ep.MaxResponseTime.Milliseconds()):
			result.Status = Slow
			result.Error = fmt.Sprintf("response time %.0fms exceeds threshold %dms", elapsed, ep.MaxResponseTime.Milliseconds())
		default:
			result.Status = Healthy
		}
		return m.record(result)
	}

	return m.record(errorResult(ep, start, lastErr.Error()))
}

// History returns a copy of the recorded probe results, oldest first.
func (m *Monitor) History() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Result, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Monitor) record(r Result) Result {
	metrics.RecordHealthCheck(r.Endpoint, string(r.Status), r.ResponseTime)
	if r.Status != Healthy {
		m.log.Warnw("endpoint unhealthy",
			"endpoint", r.Endpoint, "status", r.Status, "code", r.StatusCode, "err", r.Error)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, r)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	return r
}

func errorResult(ep EndpointConfig, start time.Time, msg string) Result {
	return Result{
		Endpoint:     ep.Name,
		URL:          ep.URL,
		Status:       Errored,
		ResponseTime: float64(time.Since(start).Milliseconds()),
		Timestamp:    time.Now(),
		Error:        msg,
	}
}
