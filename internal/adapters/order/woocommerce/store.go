package woocommerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"3tcapital/ms_nfse_emissor/internal/core/locality"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/order"
	ctxutil "3tcapital/ms_nfse_emissor/internal/infrastructure/context"
)

// Meta keys read from orders and line items. The billing document and
// address extras follow the Brazilian Market checkout fields.
const (
	MetaCPF          = "_billing_cpf"
	MetaCNPJ         = "_billing_cnpj"
	MetaNumber       = "_billing_number"
	MetaNeighborhood = "_billing_neighborhood"
	MetaIBGE         = "_billing_ibge"
	MetaServiceCode  = "_nfse_service_code"
	MetaNBSCode      = "_nfse_nbs_code"
	MetaDeduction    = "_nfse_deduction"
)

// wcTime is the layout of the *_gmt date fields.
const wcTime = "2006-01-02T15:04:05"

// HTTPClient allows using both standard and traced HTTP clients.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the REST API credentials of the store.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
}

// Store implements order.Store with the WooCommerce REST API v3.
type Store struct {
	cfg      Config
	client   HTTPClient
	resolver locality.Resolver
	log      *slog.Logger
}

var _ order.Store = (*Store)(nil)

// NewStore creates a store client. resolver may be nil; it fills in the IBGE
// code of billing addresses that lack the MetaIBGE field.
func NewStore(cfg Config, client HTTPClient, resolver locality.Resolver, log *slog.Logger) *Store {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Store{cfg: cfg, client: client, resolver: resolver, log: log}
}

type metaData struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type metaList []metaData

func (m metaList) get(key string) string {
	for _, md := range m {
		if md.Key != key {
			continue
		}
		switch v := md.Value.(type) {
		case string:
			return strings.TrimSpace(v)
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

type billing struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Company      string `json:"company"`
	Address1     string `json:"address_1"`
	Address2     string `json:"address_2"`
	City         string `json:"city"`
	State        string `json:"state"`
	Postcode     string `json:"postcode"`
	Country      string `json:"country"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	CPF          string `json:"cpf"`
	CNPJ         string `json:"cnpj"`
	Number       string `json:"number"`
	Neighborhood string `json:"neighborhood"`
}

type lineItem struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Quantity float64  `json:"quantity"`
	Subtotal string   `json:"subtotal"`
	Total    string   `json:"total"`
	MetaData metaList `json:"meta_data"`
}

type wcOrder struct {
	ID             int64      `json:"id"`
	Number         string     `json:"number"`
	Status         string     `json:"status"`
	Currency       string     `json:"currency"`
	DiscountTotal  string     `json:"discount_total"`
	ShippingTotal  string     `json:"shipping_total"`
	Total          string     `json:"total"`
	PaymentMethod  string     `json:"payment_method"`
	DatePaidGMT    *string    `json:"date_paid_gmt"`
	DateCreatedGMT string     `json:"date_created_gmt"`
	Billing        billing    `json:"billing"`
	LineItems      []lineItem `json:"line_items"`
	MetaData       metaList   `json:"meta_data"`
}

type wcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GetOrder loads the order and maps it to a snapshot.
func (s *Store) GetOrder(ctx context.Context, id int64) (*order.Snapshot, error) {
	body, err := s.do(ctx, "GetOrder", http.MethodGet, fmt.Sprintf("/wp-json/wc/v3/orders/%d", id), nil)
	if err != nil {
		return nil, err
	}

	var raw wcOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse order %d: %w", id, err)
	}

	snapshot, err := toSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("map order %d: %w", id, err)
	}
	s.resolveMunicipality(ctx, snapshot)
	return snapshot, nil
}

// AddNote appends a private note to the order.
func (s *Store) AddNote(ctx context.Context, id int64, note string) error {
	payload := map[string]any{"note": note, "customer_note": false}
	_, err := s.do(ctx, "AddNote", http.MethodPost, fmt.Sprintf("/wp-json/wc/v3/orders/%d/notes", id), payload)
	return err
}

func (s *Store) resolveMunicipality(ctx context.Context, snapshot *order.Snapshot) {
	addr := &snapshot.Customer.Address
	if addr.MunicipalityCode != "" || s.resolver == nil || addr.City == "" || addr.CountryCode != "BR" {
		return
	}
	m, err := s.resolver.ResolveMunicipality(ctx, addr.City, addr.State)
	if err != nil {
		// The generator reports the missing code with the field name.
		s.log.Warn("Could not resolve billing municipality", "order_id", snapshot.ID, "city", addr.City, "state", addr.State, "error", err)
		return
	}
	addr.MunicipalityCode = m.Code
}

func (s *Store) do(ctx context.Context, operation, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctxutil.WithOperation(ctx, operation), method, s.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(s.cfg.ConsumerKey, s.cfg.ConsumerSecret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &nfse.SubmissionError{Code: nfse.CodeOrderStoreUnavailable, Message: "order store request failed", Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &nfse.SubmissionError{Code: nfse.CodeOrderStoreUnavailable, StatusCode: resp.StatusCode, Message: "read order store response", Temporary: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, order.ErrNotFound
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	}

	var wcErr wcError
	_ = json.Unmarshal(body, &wcErr)
	if wcErr.Code == "woocommerce_rest_shop_order_invalid_id" {
		return nil, order.ErrNotFound
	}
	return nil, &nfse.SubmissionError{
		Code:       nfse.CodeOrderStoreUnavailable,
		StatusCode: resp.StatusCode,
		Message:    "order store returned an error",
		Temporary:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		Err:        errors.New(strings.TrimSpace(wcErr.Code + " " + wcErr.Message)),
	}
}

func toSnapshot(raw wcOrder) (*order.Snapshot, error) {
	total, err := amount(raw.Total)
	if err != nil {
		return nil, fmt.Errorf("total: %w", err)
	}
	discount, err := amount(raw.DiscountTotal)
	if err != nil {
		return nil, fmt.Errorf("discount_total: %w", err)
	}
	shipping, err := amount(raw.ShippingTotal)
	if err != nil {
		return nil, fmt.Errorf("shipping_total: %w", err)
	}

	snapshot := &order.Snapshot{
		ID:            raw.ID,
		Number:        raw.Number,
		Status:        raw.Status,
		Currency:      raw.Currency,
		DiscountTotal: discount,
		ShippingTotal: shipping,
		Total:         total,
		PaymentMethod: raw.PaymentMethod,
		Customer:      toCustomer(raw.Billing, raw.MetaData),
	}
	if raw.DateCreatedGMT != "" {
		if t, err := time.Parse(wcTime, raw.DateCreatedGMT); err == nil {
			snapshot.CreatedAt = t.UTC()
		}
	}
	if raw.DatePaidGMT != nil && *raw.DatePaidGMT != "" {
		if t, err := time.Parse(wcTime, *raw.DatePaidGMT); err == nil {
			paid := t.UTC()
			snapshot.PaidAt = &paid
		}
	}

	subtotal := decimal.Zero
	for _, li := range raw.LineItems {
		item, err := toLineItem(li)
		if err != nil {
			return nil, fmt.Errorf("line item %d: %w", li.ID, err)
		}
		subtotal = subtotal.Add(item.Subtotal)
		snapshot.Items = append(snapshot.Items, item)
	}
	snapshot.Subtotal = subtotal
	return snapshot, nil
}

func toCustomer(b billing, meta metaList) order.Customer {
	document := firstNonEmpty(b.CNPJ, meta.get(MetaCNPJ))
	if document == "" {
		document = firstNonEmpty(b.CPF, meta.get(MetaCPF))
	}

	country := strings.ToUpper(b.Country)
	if country == "" {
		country = "BR"
	}

	return order.Customer{
		Name:     strings.TrimSpace(b.FirstName + " " + b.LastName),
		Company:  b.Company,
		Document: document,
		Email:    b.Email,
		Phone:    b.Phone,
		Address: order.Address{
			Street:           b.Address1,
			Number:           firstNonEmpty(b.Number, meta.get(MetaNumber)),
			Complement:       b.Address2,
			District:         firstNonEmpty(b.Neighborhood, meta.get(MetaNeighborhood)),
			City:             b.City,
			State:            strings.ToUpper(b.State),
			PostalCode:       b.Postcode,
			MunicipalityCode: meta.get(MetaIBGE),
			CountryCode:      country,
		},
	}
}

func toLineItem(li lineItem) (order.LineItem, error) {
	subtotal, err := amount(li.Subtotal)
	if err != nil {
		return order.LineItem{}, fmt.Errorf("subtotal: %w", err)
	}
	total, err := amount(li.Total)
	if err != nil {
		return order.LineItem{}, fmt.Errorf("total: %w", err)
	}
	deduction, err := amount(li.MetaData.get(MetaDeduction))
	if err != nil {
		return order.LineItem{}, fmt.Errorf("%s: %w", MetaDeduction, err)
	}
	return order.LineItem{
		ID:          li.ID,
		Name:        li.Name,
		Quantity:    decimal.NewFromFloat(li.Quantity),
		Subtotal:    subtotal,
		Total:       total,
		Deduction:   deduction,
		ServiceCode: li.MetaData.get(MetaServiceCode),
		NBSCode:     li.MetaData.get(MetaNBSCode),
	}, nil
}

func amount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
