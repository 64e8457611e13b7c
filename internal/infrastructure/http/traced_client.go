package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/audit"
	ctxutil "3tcapital/ms_nfse_emissor/internal/infrastructure/context"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/security"
)

// TracedClient wraps an HTTP client with request/response logging and an
// audit trail persisted in the background. Logged and audited data is
// sanitized first.
type TracedClient struct {
	client       *http.Client
	log          *slog.Logger
	auditRepo    audit.Repository
	service      string
	auditEnabled bool
	logReqBody   bool
	logRespBody  bool
	maxBodySize  int

	pending sync.WaitGroup
}

// TracedClientConfig holds configuration for the traced HTTP client.
type TracedClientConfig struct {
	Timeout         time.Duration
	AuditEnabled    bool
	LogRequestBody  bool
	LogResponseBody bool
	MaxBodySize     int
	MaxConnsPerHost int
	// TLSConfig enables mutual TLS, e.g. with the A1 certificate.
	TLSConfig *tls.Config
}

// NewTracedClient creates a traced client for calls to service.
func NewTracedClient(cfg *TracedClientConfig, log *slog.Logger, auditRepo audit.Repository, service string) *TracedClient {
	maxBody := cfg.MaxBodySize
	if maxBody == 0 {
		maxBody = 100 * 1024
	}
	maxConns := cfg.MaxConnsPerHost
	if maxConns == 0 {
		maxConns = 10
	}
	headerTimeout := cfg.Timeout
	if headerTimeout < 30*time.Second {
		headerTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   maxConns,
		MaxConnsPerHost:       maxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       cfg.TLSConfig,
	}

	return &TracedClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		log:          log,
		auditRepo:    auditRepo,
		service:      service,
		auditEnabled: cfg.AuditEnabled,
		logReqBody:   cfg.LogRequestBody,
		logRespBody:  cfg.LogResponseBody,
		maxBodySize:  maxBody,
	}
}

// Do executes req. The response body is buffered and handed back readable.
func (c *TracedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	correlationID := ctxutil.GetCorrelationID(ctx)
	operation := c.operation(req)
	start := time.Now()

	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}

	var requestBody []byte
	if req.Body != nil {
		var err error
		requestBody, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(requestBody))
	}

	c.logRequest(correlationID, operation, req, requestBody)

	resp, err := c.client.Do(req)
	duration := time.Since(start)

	var responseBody []byte
	if resp != nil && resp.Body != nil {
		var readErr error
		responseBody, readErr = io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(responseBody))
		if readErr != nil && err == nil {
			err = fmt.Errorf("read response body: %w", readErr)
		}
	}

	c.logResponse(correlationID, operation, req, resp, err, duration, responseBody)

	if c.auditEnabled && c.auditRepo != nil {
		if correlationID == "" {
			correlationID = ctxutil.NewCorrelationID()
		}
		call := c.auditRecord(correlationID, operation, req, resp, err, duration, requestBody, responseBody)

		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("Panic in audit persistence", "panic", r, "correlation_id", call.CorrelationID)
				}
			}()

			// Detached from the request context, which is usually done by now.
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := c.auditRepo.Save(saveCtx, call); err != nil {
				c.log.Error("Failed to persist audit record",
					"error", err,
					"correlation_id", call.CorrelationID,
					"service", c.service,
					"operation", call.Operation,
				)
			}
		}()
	}

	return resp, err
}

// Wait blocks until pending audit writes finish.
func (c *TracedClient) Wait() {
	c.pending.Wait()
}

func (c *TracedClient) logRequest(correlationID, operation string, req *http.Request, body []byte) {
	attrs := []any{
		"correlation_id", correlationID,
		"service", c.service,
		"operation", operation,
		"method", req.Method,
		"url", security.SanitizeURL(req.URL.String()),
	}
	if c.logReqBody && len(body) > 0 {
		attrs = append(attrs, "request_body", string(security.SanitizeBody(body, c.maxBodySize)))
	}
	c.log.Debug("outbound_request", attrs...)
}

func (c *TracedClient) logResponse(correlationID, operation string, req *http.Request, resp *http.Response, err error, duration time.Duration, body []byte) {
	attrs := []any{
		"correlation_id", correlationID,
		"service", c.service,
		"operation", operation,
		"method", req.Method,
		"url", security.SanitizeURL(req.URL.String()),
		"duration_ms", duration.Milliseconds(),
	}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		c.log.Error("outbound_request_failed", attrs...)
		return
	}

	attrs = append(attrs, "status", resp.StatusCode, "response_size_bytes", len(body))
	if c.logRespBody && len(body) > 0 {
		attrs = append(attrs, "response_body", string(security.SanitizeBody(body, c.maxBodySize)))
	}

	switch {
	case resp.StatusCode >= 500:
		c.log.Error("outbound_response", attrs...)
	case resp.StatusCode >= 400:
		c.log.Warn("outbound_response", attrs...)
	default:
		c.log.Info("outbound_response", attrs...)
	}
}

func (c *TracedClient) auditRecord(correlationID, operation string, req *http.Request, resp *http.Response, err error, duration time.Duration, requestBody, responseBody []byte) audit.APICall {
	call := audit.APICall{
		CorrelationID:  correlationID,
		Service:        c.service,
		Operation:      operation,
		RequestMethod:  req.Method,
		RequestURL:     security.SanitizeURL(req.URL.String()),
		RequestHeaders: security.SanitizeHeaders(req.Header),
		RequestBody:    security.SanitizeBody(requestBody, c.maxBodySize),
		DurationMs:     duration.Milliseconds(),
		CreatedAt:      time.Now(),
	}
	if resp != nil {
		status := resp.StatusCode
		call.ResponseStatus = &status
		call.ResponseHeaders = security.SanitizeHeaders(resp.Header)
		call.ResponseBody = security.SanitizeBody(responseBody, c.maxBodySize)
	}
	if err != nil {
		call.ErrorMessage = err.Error()
	}
	return call
}

// operation prefers the name set with ctxutil.WithOperation, then the last
// non-numeric path segment.
func (c *TracedClient) operation(req *http.Request) string {
	if op := ctxutil.GetOperation(req.Context()); op != "" {
		return op
	}

	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		seg := parts[i]
		if seg == "" || strings.Trim(seg, "0123456789") == "" {
			continue
		}
		return strings.ToUpper(seg[:1]) + seg[1:]
	}
	return fmt.Sprintf("%s_%s", req.Method, c.service)
}
