package sefin

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"3tcapital/ms_nfse_emissor/internal/core/certificate"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/settings"
	ctxutil "3tcapital/ms_nfse_emissor/internal/infrastructure/context"
)

// Base URLs of the national NFS-e API.
const (
	ProductionURL   = "https://sefin.nfse.gov.br/SefinNacional"
	HomologationURL = "https://sefin.producaorestrita.nfse.gov.br/SefinNacional"
)

// cancelEventType is the tpEvento of a cancellation requested by the issuer.
const cancelEventType = "101101"

// BaseURLFor returns the API root of env.
func BaseURLFor(env settings.Environment) string {
	if env == settings.EnvironmentProduction {
		return ProductionURL
	}
	return HomologationURL
}

// HTTPClient allows using both standard and traced HTTP clients.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes the client's protection of the remote API.
type Config struct {
	BaseURL         string
	RequestsPerSec  float64
	Burst           int
	MaxConcurrent   int
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Client implements nfse.Client against the SEFIN Nacional REST API.
// Documents travel gzip-compressed and base64-encoded inside JSON.
type Client struct {
	baseURL  string
	http     HTTPClient
	log      *slog.Logger
	limiter  *rate.Limiter
	inflight *semaphore.Weighted
	breaker  *CircuitBreaker
	now      func() time.Time
}

var _ nfse.Client = (*Client)(nil)

// NewClient creates a SEFIN client. httpClient must present the issuer's
// certificate; see TLSConfig.
func NewClient(cfg Config, httpClient HTTPClient, log *slog.Logger) *Client {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}

	breaker := NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerCooldown)
	breaker.OnStateChange(func(from, to BreakerState) {
		log.Warn("SEFIN circuit breaker state changed", "from", from.String(), "to", to.String())
	})

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     httpClient,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		inflight: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		breaker:  breaker,
		now:      time.Now,
	}
}

// Breaker exposes the circuit breaker state for health reporting.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// TLSConfig presents the active certificate of certs on every handshake, so a
// renewed certificate is used without rebuilding the client.
func TLSConfig(certs certificate.Manager) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetClientCertificate: func(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
			bundle, err := certs.GetActiveCertificate(info.Context())
			if err != nil {
				return nil, fmt.Errorf("load client certificate: %w", err)
			}
			decoded, err := certificate.Decode(bundle)
			if err != nil {
				return nil, fmt.Errorf("decode client certificate: %w", err)
			}
			return &decoded.TLS, nil
		},
	}
}

type message struct {
	Code        string `json:"codigo"`
	Description string `json:"descricao"`
	Complement  string `json:"complemento"`
}

func toMessages(in []message) []nfse.Message {
	out := make([]nfse.Message, 0, len(in))
	for _, m := range in {
		out = append(out, nfse.Message{Code: m.Code, Description: m.Description, Complement: m.Complement})
	}
	return out
}

type submitRequest struct {
	DPS string `json:"dpsXmlGZipB64"`
}

type submitResponse struct {
	Environment int       `json:"tipoAmbiente"`
	AppVersion  string    `json:"versaoAplicativo"`
	ProcessedAt string    `json:"dataHoraProcessamento"`
	DPSID       string    `json:"idDps"`
	AccessKey   string    `json:"chaveAcesso"`
	NfseXMLGZip string    `json:"nfseXmlGZipB64"`
	Alerts      []message `json:"alertas"`
	Errors      []message `json:"erros"`
}

type nfseResponse struct {
	AccessKey   string `json:"chaveAcesso"`
	NfseXMLGZip string `json:"nfseXmlGZipB64"`
}

type eventRequest struct {
	Event string `json:"pedidoRegistroEventoXmlGZipB64"`
}

type eventResponse struct {
	EventXMLGZip string    `json:"eventoXmlGZipB64"`
	Errors       []message `json:"erros"`
}

// Submit sends a signed DPS.
func (c *Client) Submit(ctx context.Context, signedXML string) (*nfse.SubmitResult, error) {
	encoded, err := encodeDocument(signedXML)
	if err != nil {
		return nil, err
	}

	status, body, err := c.call(ctx, "Submit", http.MethodPost, "/nfse", submitRequest{DPS: encoded})
	if err != nil {
		return nil, err
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &nfse.SubmissionError{StatusCode: status, Message: "malformed response", Temporary: true, Err: err}
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, rejection(status, resp.Errors, body)
	}
	if resp.AccessKey == "" {
		return nil, &nfse.SubmissionError{StatusCode: status, Message: "response without access key", Temporary: true}
	}

	nfseXML, err := decodeDocument(resp.NfseXMLGZip)
	if err != nil {
		c.log.Warn("Could not decode issued NFS-e document", "access_key", resp.AccessKey, "error", err)
	}

	processedAt := c.now()
	if t, err := time.Parse(time.RFC3339, resp.ProcessedAt); err == nil {
		processedAt = t
	}

	return &nfse.SubmitResult{
		AccessKey:   resp.AccessKey,
		Protocol:    resp.AccessKey,
		Status:      nfse.StatusAuthorized,
		DPSID:       resp.DPSID,
		NfseXML:     nfseXML,
		Alerts:      toMessages(resp.Alerts),
		Raw:         string(body),
		ProcessedAt: processedAt,
	}, nil
}

// QueryStatus fetches the NFS-e and checks for a registered cancellation event.
func (c *Client) QueryStatus(ctx context.Context, accessKey string) (*nfse.StatusResult, error) {
	status, body, err := c.call(ctx, "QueryStatus", http.MethodGet, "/nfse/"+accessKey, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &nfse.StatusResult{AccessKey: accessKey, Status: nfse.StatusNotFound, Raw: string(body)}, nil
	}
	if status != http.StatusOK {
		return nil, rejection(status, nil, body)
	}

	var resp nfseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &nfse.SubmissionError{StatusCode: status, Message: "malformed response", Temporary: true, Err: err}
	}
	nfseXML, err := decodeDocument(resp.NfseXMLGZip)
	if err != nil {
		return nil, &nfse.SubmissionError{StatusCode: status, Message: "undecodable document", Err: err}
	}

	result := &nfse.StatusResult{AccessKey: accessKey, Status: nfse.StatusAuthorized, NfseXML: nfseXML, Raw: string(body)}

	eventStatus, _, err := c.call(ctx, "QueryCancelEvent", http.MethodGet, fmt.Sprintf("/nfse/%s/eventos/%s/1", accessKey, cancelEventType), nil)
	if err != nil {
		return nil, err
	}
	if eventStatus == http.StatusOK {
		result.Status = nfse.StatusCancelled
	}
	return result, nil
}

// Cancel registers a signed cancellation event.
func (c *Client) Cancel(ctx context.Context, accessKey, signedEventXML string) (*nfse.CancelResult, error) {
	encoded, err := encodeDocument(signedEventXML)
	if err != nil {
		return nil, err
	}

	status, body, err := c.call(ctx, "Cancel", http.MethodPost, "/nfse/"+accessKey+"/eventos", eventRequest{Event: encoded})
	if err != nil {
		return nil, err
	}

	var resp eventResponse
	if err := json.Unmarshal(body, &resp); err != nil && status < 300 {
		return nil, &nfse.SubmissionError{StatusCode: status, Message: "malformed response", Temporary: true, Err: err}
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, rejection(status, resp.Errors, body)
	}

	eventXML, err := decodeDocument(resp.EventXMLGZip)
	if err != nil {
		c.log.Warn("Could not decode cancellation event", "access_key", accessKey, "error", err)
	}
	return &nfse.CancelResult{
		AccessKey: accessKey,
		Protocol:  accessKey,
		Status:    nfse.StatusCancelled,
		EventXML:  eventXML,
		Raw:       string(body),
	}, nil
}

// TestConnection performs an authenticated lookup of a key that cannot exist.
// Any answer other than an authentication failure proves the mTLS channel.
func (c *Client) TestConnection(ctx context.Context) error {
	status, body, err := c.call(ctx, "TestConnection", http.MethodGet, "/nfse/"+strings.Repeat("0", 50), nil)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &nfse.SubmissionError{StatusCode: status, Code: nfse.CodeSubmissionRejected, Message: "certificate rejected by the national API", Err: errors.New(snippet(body))}
	}
	return nil
}

// call runs one request through the rate limiter, the concurrency bound and
// the circuit breaker. Transport failures, 429 and 5xx come back as temporary
// SubmissionErrors; other statuses are returned for the caller to interpret.
func (c *Client) call(ctx context.Context, operation, method, path string, payload any) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, &nfse.SubmissionError{Code: nfse.CodeCircuitOpen, Message: "national API temporarily disabled after repeated failures", Temporary: true, Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("wait for rate limiter: %w", err)
	}
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return 0, nil, fmt.Errorf("acquire request slot: %w", err)
	}
	defer c.inflight.Release(1)

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctxutil.WithOperation(ctx, operation), method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A cancelled caller says nothing about the remote service.
		c.breaker.Record(ctx.Err() == nil)
		return 0, nil, &nfse.SubmissionError{Message: "request to national API failed", Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.Record(true)
		return 0, nil, &nfse.SubmissionError{StatusCode: resp.StatusCode, Message: "read response body", Temporary: true, Err: err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		c.breaker.Record(true)
		var parsed submitResponse
		_ = json.Unmarshal(body, &parsed)
		return 0, nil, &nfse.SubmissionError{
			StatusCode: resp.StatusCode,
			Message:    "national API unavailable",
			Messages:   toMessages(parsed.Errors),
			Temporary:  true,
			Err:        errors.New(snippet(body)),
		}
	}

	c.breaker.Record(false)
	return resp.StatusCode, body, nil
}

// rejection builds the non-retryable error of a 4xx answer.
func rejection(status int, msgs []message, body []byte) error {
	e := &nfse.SubmissionError{
		Code:       nfse.CodeSubmissionRejected,
		StatusCode: status,
		Message:    "document rejected by the national API",
		Messages:   toMessages(msgs),
	}
	if len(msgs) == 0 {
		e.Err = errors.New(snippet(body))
	}
	return e
}

func snippet(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
