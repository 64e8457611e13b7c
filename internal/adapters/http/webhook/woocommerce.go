package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"3tcapital/ms_nfse_emissor/internal/application/automation"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/cache"
	httperrors "3tcapital/ms_nfse_emissor/internal/infrastructure/http"
)

// WooCommerce webhook headers.
const (
	HeaderTopic     = "X-WC-Webhook-Topic"
	HeaderSignature = "X-WC-Webhook-Signature"
	HeaderDelivery  = "X-WC-Webhook-Delivery-ID"
)

// Supported topics. order.paid is sent by the store's payment hook;
// the action topic is WooCommerce's built-in equivalent.
const (
	TopicOrderPaid       = "order.paid"
	TopicPaymentComplete = "action.woocommerce_payment_complete"
	TopicOrderCreated    = "order.created"
	TopicOrderUpdated    = "order.updated"
)

const (
	maxPayloadBytes = 1 << 20
	statusMemoryTTL = 7 * 24 * time.Hour
)

// Automation is the part of the automation service driven by store events.
type Automation interface {
	OnPaymentComplete(ctx context.Context, orderID int64) (automation.Outcome, error)
	OnOrderStatusChange(ctx context.Context, orderID int64, from, to string) (automation.Outcome, error)
}

// WooCommerceHandler receives WooCommerce webhooks, authenticated by the
// shared secret signature instead of JWT.
type WooCommerceHandler struct {
	automation Automation
	secret     []byte
	statuses   *cache.TTLCache[int64, string]
	statusTTL  time.Duration
	log        *slog.Logger
}

func NewWooCommerceHandler(a Automation, secret string, log *slog.Logger) *WooCommerceHandler {
	return &WooCommerceHandler{
		automation: a,
		secret:     []byte(secret),
		statuses:   cache.NewTTLCache[int64, string](),
		statusTTL:  statusMemoryTTL,
		log:        log,
	}
}

type orderPayload struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

type actionPayload struct {
	Action string `json:"action"`
	Arg    int64  `json:"arg"`
}

type ignoredResponse struct {
	Ignored bool   `json:"ignored"`
	Reason  string `json:"reason"`
}

// ServeHTTP handles POST /webhooks/woocommerce.
func (h *WooCommerceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		httperrors.WriteError(w, http.StatusRequestEntityTooLarge, "Payload too large", nil, h.log)
		return
	}

	topic := r.Header.Get(HeaderTopic)
	log := h.log.With("topic", topic, "delivery_id", r.Header.Get(HeaderDelivery))

	// WooCommerce pings new webhooks with a form body and no topic.
	if topic == "" && bytes.HasPrefix(body, []byte("webhook_id=")) {
		log.InfoContext(ctx, "webhook ping received")
		httperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.log)
		return
	}

	if !h.verify(body, r.Header.Get(HeaderSignature)) {
		log.WarnContext(ctx, "webhook signature rejected")
		httperrors.WriteError(w, http.StatusUnauthorized, "Unauthorized", []string{"invalid webhook signature"}, h.log)
		return
	}

	var (
		outcome automation.Outcome
		orderID int64
	)
	switch topic {
	case TopicOrderPaid:
		var p orderPayload
		if !h.decode(w, body, &p) {
			return
		}
		orderID = p.ID
		h.remember(p)
		outcome, err = h.automation.OnPaymentComplete(ctx, p.ID)
	case TopicPaymentComplete:
		var p actionPayload
		if !h.decode(w, body, &p) {
			return
		}
		orderID = p.Arg
		outcome, err = h.automation.OnPaymentComplete(ctx, p.Arg)
	case TopicOrderCreated, TopicOrderUpdated:
		var p orderPayload
		if !h.decode(w, body, &p) {
			return
		}
		orderID = p.ID
		from, _ := h.statuses.Get(p.ID)
		h.remember(p)
		if from == p.Status {
			httperrors.WriteJSON(w, http.StatusAccepted, ignoredResponse{Ignored: true, Reason: "status unchanged"}, h.log)
			return
		}
		outcome, err = h.automation.OnOrderStatusChange(ctx, p.ID, from, p.Status)
	default:
		log.DebugContext(ctx, "webhook topic ignored")
		httperrors.WriteJSON(w, http.StatusAccepted, ignoredResponse{Ignored: true, Reason: "unsupported topic"}, h.log)
		return
	}

	if err != nil {
		log.ErrorContext(ctx, "webhook processing failed", "order_id", orderID, "error", err)
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	log.InfoContext(ctx, "webhook processed",
		"order_id", orderID,
		"queued", outcome.Queued,
		"item_id", outcome.ItemID,
		"reasons", outcome.Decision.Reasons,
	)
	httperrors.WriteJSON(w, http.StatusAccepted, outcome, h.log)
}

func (h *WooCommerceHandler) decode(w http.ResponseWriter, body []byte, v any) bool {
	if err := json.Unmarshal(body, v); err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, "Invalid payload", []string{err.Error()}, h.log)
		return false
	}
	var id int64
	switch p := v.(type) {
	case *orderPayload:
		id = p.ID
	case *actionPayload:
		id = p.Arg
	}
	if id <= 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Invalid payload", []string{"order id is missing"}, h.log)
		return false
	}
	return true
}

func (h *WooCommerceHandler) remember(p orderPayload) {
	if p.Status != "" {
		h.statuses.Set(p.ID, p.Status, h.statusTTL)
	}
}

// PruneStatuses evicts order statuses older than the memory window and
// returns how many were removed.
func (h *WooCommerceHandler) PruneStatuses() int {
	return h.statuses.Prune()
}

// verify checks the base64 HMAC-SHA256 of the raw body. An empty secret
// disables the check.
func (h *WooCommerceHandler) verify(body []byte, signature string) bool {
	if len(h.secret) == 0 {
		return true
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(h.secret, body))
}

// Sign returns the raw HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
