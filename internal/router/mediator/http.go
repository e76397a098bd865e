// Package mediator provides HTTP webhook mediation.
package mediator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flowforge/router/internal/common/metrics"
	"github.com/flowforge/router/internal/router/model"
)

// HTTPMediator mediates messages via HTTP webhooks.
type HTTPMediator struct {
	client         *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	signer         *webhookSigner
	maxRetries     int
	baseBackoff    time.Duration
}

// HTTPVersion represents the HTTP protocol version to use.
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1.
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production).
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator.
type HTTPMediatorConfig struct {
	// Timeout is the HTTP client's timeout and bounds every request; a
	// message's TimeoutSeconds can shorten a request's deadline but not
	// extend it past this value.
	Timeout time.Duration

	// HTTPVersion controls which HTTP version to use.
	HTTPVersion HTTPVersion

	// MaxRetries for transient errors.
	MaxRetries int

	// BaseBackoff for retry backoff (multiplied by attempt number).
	BaseBackoff time.Duration

	// CircuitBreaker settings.
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32
}

// DefaultHTTPMediatorConfig returns sensible defaults for production.
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:                   900 * time.Second,
		HTTPVersion:               HTTPVersion2,
		MaxRetries:                3,
		BaseBackoff:               time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// DevHTTPMediatorConfig returns config suitable for development: HTTP/1.1,
// which is easier to inspect with local tooling than an HTTP/2 stream.
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator.
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	mediator := &HTTPMediator{
		client:      client,
		signer:      newWebhookSigner(),
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}

	if cfg.CircuitBreakerEnabled {
		mediator.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "http-mediator",
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				slog.Info("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())

				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					stateValue = float64(metrics.CircuitBreakerOpen)
					metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}

	return mediator
}

// Process processes a message through HTTP mediation.
func (m *HTTPMediator) Process(msg *model.MessagePointer) *model.MediationOutcome {
	if msg == nil || msg.MediationTarget == "" {
		return model.ErrConfig(0)
	}

	if m.circuitBreaker != nil {
		result, err := m.circuitBreaker.Execute(func() (interface{}, error) {
			return m.executeWithRetry(msg)
		})

		if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
			slog.Warn("Circuit breaker open", "messageId", msg.ID, "target", msg.MediationTarget)
			return model.ErrConnection(&model.CircuitOpen{Name: "http-mediator"})
		}

		if outcome, ok := result.(*model.MediationOutcome); ok {
			return outcome
		}
	}

	outcome, _ := m.executeWithRetry(msg)
	return outcome
}

// executeWithRetry executes the HTTP request with bounded retry.
func (m *HTTPMediator) executeWithRetry(msg *model.MessagePointer) (*model.MediationOutcome, error) {
	var lastOutcome *model.MediationOutcome

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		outcome := m.executeOnce(msg, attempt)
		lastOutcome = outcome

		if outcome.Kind == model.OutcomeSuccess || outcome.Kind == model.OutcomeErrorConfig {
			return outcome, nil
		}

		if !m.isRetryable(outcome) {
			return outcome, nil
		}

		if attempt < m.maxRetries {
			backoff := time.Duration(attempt) * m.baseBackoff
			slog.Info("Retrying after backoff", "messageId", msg.ID, "attempt", attempt, "backoff", backoff)
			time.Sleep(backoff)
		}
	}

	var err error
	if lastOutcome.Err != nil {
		err = lastOutcome.Err
	}
	return lastOutcome, err
}

// executeOnce executes a single HTTP request: POST to MediationTarget with
// {"messageId": "<id>"}, Authorization: Bearer <token>, and a signed body.
func (m *HTTPMediator) executeOnce(msg *model.MessagePointer, attempt int) *model.MediationOutcome {
	timeout := 900 * time.Second
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	payload := fmt.Sprintf(`{"messageId":"%s"}`, msg.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.MediationTarget, strings.NewReader(payload))
	if err != nil {
		return model.ErrConfig(0)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
		signature, timestamp := m.signer.sign(payload, msg.AuthToken)
		req.Header.Set(SignatureHeader, signature)
		req.Header.Set(TimestampHeader, timestamp)
	}

	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	slog.Debug("Executing HTTP request", "messageId", msg.ID, "target", msg.MediationTarget, "attempt", attempt)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)
	metrics.MediatorHTTPDuration.WithLabelValues(msg.MediationTarget).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.handleTransportError(err, timeout)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	slog.Debug("HTTP response received", "messageId", msg.ID, "statusCode", resp.StatusCode, "bodyLen", len(body), "duration", duration)

	return m.handleResponse(msg, resp.StatusCode, body)
}

// handleTransportError classifies an error returned by the HTTP client into
// the ErrorConnection taxonomy.
func (m *HTTPMediator) handleTransportError(err error, timeout time.Duration) *model.MediationOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Request timeout", "error", err)
		return model.ErrConnection(&model.Timeout{Duration: timeout})
	}

	if errors.Is(err, context.Canceled) {
		return model.ErrProcess(0, &model.NetworkError{Cause: err}, nil)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("Network error", "error", err, "timeout", netErr.Timeout())
		return model.ErrConnection(&model.NetworkError{Cause: err})
	}

	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") ||
		strings.Contains(err.Error(), "dial tcp") {
		return model.ErrConnection(&model.NetworkError{Cause: err})
	}

	return model.ErrProcess(0, &model.NetworkError{Cause: err}, nil)
}

// handleResponse maps an HTTP status and body to a MediationOutcome.
func (m *HTTPMediator) handleResponse(msg *model.MessagePointer, statusCode int, body []byte) *model.MediationOutcome {
	if statusCode >= 200 && statusCode < 300 {
		ack := m.parseAckFromResponse(body)
		if ack != nil && !*ack {
			delay := m.parseDelayFromResponse(body)
			slog.Info("Response ack=false, will retry", "messageId", msg.ID, "statusCode", statusCode)
			return model.ErrProcess(statusCode, nil, delay)
		}
		return model.Success()
	}

	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests {
		delay := m.parseRetryAfter(body)
		return model.ErrProcess(statusCode, &model.RateLimited{RetryAfter: delay}, delay)
	}

	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("Client error - will not retry", "messageId", msg.ID, "statusCode", statusCode)
		return model.ErrConfig(statusCode)
	}

	truncated := string(body)
	if len(truncated) > 256 {
		truncated = truncated[:256]
	}
	if statusCode >= 500 {
		slog.Warn("Server error - will retry", "messageId", msg.ID, "statusCode", statusCode)
	}
	return model.ErrProcess(statusCode, &model.HttpError{Status: statusCode, BodyTruncated: truncated}, nil)
}

func (m *HTTPMediator) parseAckFromResponse(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	return response.Ack
}

func (m *HTTPMediator) parseDelayFromResponse(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		DelaySeconds *int `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	if response.DelaySeconds != nil && *response.DelaySeconds > 0 {
		d := time.Duration(*response.DelaySeconds) * time.Second
		return &d
	}
	return nil
}

func (m *HTTPMediator) parseRetryAfter(body []byte) *time.Duration {
	if delay := m.parseDelayFromResponse(body); delay != nil {
		return delay
	}
	d := 5 * time.Second
	return &d
}

// isRetryable determines whether an outcome's retry loop should continue.
func (m *HTTPMediator) isRetryable(outcome *model.MediationOutcome) bool {
	if outcome.Kind == model.OutcomeSuccess || outcome.Kind == model.OutcomeErrorConfig {
		return false
	}
	if outcome.Err == nil {
		return true
	}
	return outcome.Err.IsRetryable()
}
