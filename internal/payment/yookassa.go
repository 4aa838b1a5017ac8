package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Webhook event types we act on.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
)

// Payment statuses reported by the gateway.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusCanceled  = "canceled"
)

// Client talks to the YooKassa REST API. Credits are only ever granted from
// verified webhook deliveries, never from the redirect return.
type Client struct {
	httpClient *http.Client
	baseURL    string
	shopID     string
	secretKey  string
}

// NewClient constructs a gateway client. baseURL has no trailing slash.
func NewClient(baseURL, shopID, secretKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		shopID:     shopID,
		secretKey:  secretKey,
	}
}

// Enabled reports whether gateway credentials are configured.
func (c *Client) Enabled() bool { return c.shopID != "" && c.secretKey != "" }

// CreateRequest describes one subscription purchase.
type CreateRequest struct {
	UserID      string
	Tier        string
	AmountValue string // decimal string, e.g. "199.00"
	Currency    string
	Description string
	ReturnURL   string
}

// Payment is the gateway's view of one payment.
type Payment struct {
	ID              string
	Status          string
	ConfirmationURL string
	UserID          string
	Tier            string
}

type apiPayment struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type            string `json:"type,omitempty"`
		ReturnURL       string `json:"return_url,omitempty"`
		ConfirmationURL string `json:"confirmation_url,omitempty"`
	} `json:"confirmation"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CreatePayment opens a redirect-confirmation payment. The user id and tier
// ride in metadata so the webhook can credit the right account later.
func (c *Client) CreatePayment(ctx context.Context, req CreateRequest) (Payment, error) {
	body := map[string]any{
		"amount": map[string]string{
			"value":    req.AmountValue,
			"currency": req.Currency,
		},
		"capture": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
		"description": req.Description,
		"metadata": map[string]string{
			"user_id": req.UserID,
			"tier":    req.Tier,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Payment{}, fmt.Errorf("marshal payment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(payload))
	if err != nil {
		return Payment{}, err
	}
	httpReq.SetBasicAuth(c.shopID, c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")
	// The gateway replays the stored result for a repeated key, so retrying
	// a create never double-charges.
	httpReq.Header.Set("Idempotence-Key", uuid.New().String())

	return c.do(httpReq)
}

// GetPayment fetches the current status of a payment.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/"+paymentID, nil)
	if err != nil {
		return Payment{}, err
	}
	httpReq.SetBasicAuth(c.shopID, c.secretKey)
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (Payment, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Payment{}, fmt.Errorf("payment gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Payment{}, fmt.Errorf("payment gateway: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Payment{}, fmt.Errorf("payment gateway: status %d: %s", resp.StatusCode, raw)
	}

	var ap apiPayment
	if err := json.Unmarshal(raw, &ap); err != nil {
		return Payment{}, fmt.Errorf("payment gateway: decode: %w", err)
	}
	return fromAPI(ap), nil
}

func fromAPI(ap apiPayment) Payment {
	return Payment{
		ID:              ap.ID,
		Status:          ap.Status,
		ConfirmationURL: ap.Confirmation.ConfirmationURL,
		UserID:          ap.Metadata["user_id"],
		Tier:            ap.Metadata["tier"],
	}
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw body against
// the shop secret. Constant-time comparison.
func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// WebhookEvent is one parsed gateway notification.
type WebhookEvent struct {
	Type    string
	Payment Payment
}

// ParseWebhook decodes a notification body.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var envelope struct {
		Event  string     `json:"event"`
		Object apiPayment `json:"object"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("webhook decode: %w", err)
	}
	if envelope.Event == "" || envelope.Object.ID == "" {
		return WebhookEvent{}, fmt.Errorf("webhook missing event or payment id")
	}
	return WebhookEvent{Type: envelope.Event, Payment: fromAPI(envelope.Object)}, nil
}
