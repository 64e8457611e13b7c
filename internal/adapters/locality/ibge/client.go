package ibge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/locality"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/cache"
)

const (
	// BaseURL is the IBGE localities API.
	BaseURL = "https://servicodados.ibge.gov.br/api/v1/localidades"
	// DefaultTimeout is the default timeout for IBGE API requests
	DefaultTimeout = 10 * time.Second
	// stateTTL bounds how long a state's municipality list is reused.
	stateTTL = 24 * time.Hour
)

// HTTPClient allows using both standard and traced HTTP clients.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements locality.Resolver with the IBGE API. The full list of a
// state is fetched once and cached.
type Client struct {
	baseURL string
	client  HTTPClient
	log     *slog.Logger
	states  *cache.TTLCache[string, map[string]locality.Municipality]
}

var _ locality.Resolver = (*Client)(nil)

// NewClient creates a new IBGE client.
// If baseURL is empty, uses the public IBGE API.
func NewClient(baseURL string, httpClient HTTPClient, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = BaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: DefaultTimeout,
		}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
		log:     log,
		states:  cache.NewTTLCache[string, map[string]locality.Municipality](),
	}
}

// ibgeMunicipality represents one entry of the IBGE municipality list
type ibgeMunicipality struct {
	ID   int64  `json:"id"`   // IBGE code (7 digits)
	Name string `json:"nome"` // Municipality name
}

// ResolveMunicipality looks city up in the cached list of state.
func (c *Client) ResolveMunicipality(ctx context.Context, city, state string) (*locality.Municipality, error) {
	state = strings.ToUpper(strings.TrimSpace(state))
	if len(state) != 2 {
		return nil, fmt.Errorf("invalid state %q", state)
	}
	name := locality.NormalizeName(city)
	if name == "" {
		return nil, fmt.Errorf("city name cannot be empty")
	}

	municipalities, ok := c.states.Get(state)
	if !ok {
		var err error
		municipalities, err = c.fetchState(ctx, state)
		if err != nil {
			return nil, err
		}
		c.states.Set(state, municipalities, stateTTL)
	}

	m, ok := municipalities[name]
	if !ok {
		c.log.Warn("Municipality not found in IBGE", "city", city, "state", state)
		return nil, fmt.Errorf("%s/%s: %w", city, state, locality.ErrMunicipalityNotFound)
	}
	return &m, nil
}

func (c *Client) fetchState(ctx context.Context, state string) (map[string]locality.Municipality, error) {
	apiURL := fmt.Sprintf("%s/estados/%s/municipios", c.baseURL, state)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debug("Consulting IBGE API", "state", state, "url", apiURL)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("Error consulting IBGE API", "error", err, "state", state)
		return nil, fmt.Errorf("IBGE API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.Warn("IBGE API returned non-200 status", "status", resp.StatusCode, "body", string(body), "state", state)
		return nil, fmt.Errorf("IBGE API returned status %d", resp.StatusCode)
	}

	var results []ibgeMunicipality
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("parse IBGE API response: %w", err)
	}
	if len(results) == 0 {
		// IBGE answers an unknown UF with an empty list.
		return nil, fmt.Errorf("state %s: %w", state, locality.ErrMunicipalityNotFound)
	}

	out := make(map[string]locality.Municipality, len(results))
	for _, r := range results {
		out[locality.NormalizeName(r.Name)] = locality.Municipality{
			Code:  strconv.FormatInt(r.ID, 10),
			Name:  r.Name,
			State: state,
		}
	}

	c.log.Debug("Loaded municipalities from IBGE", "state", state, "count", len(out))
	return out, nil
}
