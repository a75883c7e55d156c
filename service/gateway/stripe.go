package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.stripe.com/v1"

// Client talks to the Stripe REST API directly: form-encoded requests with
// bearer auth, JSON responses. Outbound calls carry a bounded timeout and are
// never retried here; retry is the caller's or the webhook redelivery's job.
type Client struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

func NewClient() *Client {
	return &Client{
		secretKey: os.Getenv("STRIPE_SECRET_KEY"),
		baseURL:   defaultBaseURL,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// NewClientWithBaseURL points the client at a different API host. Used by
// tests to target a stub server.
func NewClientWithBaseURL(secretKey, baseURL string) *Client {
	return &Client{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type PaymentIntent struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
}

type Refund struct {
	ID                 string `json:"id"`
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	Status             string `json:"status"`
	Created            int64  `json:"created"`
	PaymentIntent      string `json:"payment_intent"`
	DestinationDetails struct {
		Type string `json:"type"`
	} `json:"destination_details"`
}

type Account struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
}

type AccountLink struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

type BalanceAmount struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type Balance struct {
	Available []BalanceAmount `json:"available"`
}

// AvailableFor returns the available balance in minor units for a currency.
func (b *Balance) AvailableFor(currency string) int64 {
	for _, a := range b.Available {
		if strings.EqualFold(a.Currency, currency) {
			return a.Amount
		}
	}
	return 0
}

type Transfer struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
}

type Payout struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	Destination string `json:"destination"`
}

// apiError is Stripe's error envelope.
type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading stripe response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("stripe: %s (%s)", apiErr.Error.Message, apiErr.Error.Type)
		}
		return fmt.Errorf("stripe: unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("error parsing stripe response: %w", err)
		}
	}
	return nil
}

// CreatePaymentIntent creates a payment intent for the given amount in minor
// units. Metadata keys are forwarded so webhooks can be tied back to records.
func (c *Client) CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountMinor, 10))
	form.Set("currency", currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var intent PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/payment_intents", form, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.do(ctx, http.MethodGet, "/payment_intents/"+id, nil, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) CreateRefund(ctx context.Context, paymentIntentID string) (*Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)

	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/refunds", form, "", &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *Client) RetrieveAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := c.do(ctx, http.MethodGet, "/accounts/"+accountID, nil, "", &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccount creates an Express connected account for a provider.
func (c *Client) CreateAccount(ctx context.Context, email string) (*Account, error) {
	form := url.Values{}
	form.Set("type", "express")
	form.Set("email", email)

	var account Account
	if err := c.do(ctx, http.MethodPost, "/accounts", form, "", &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccountLink returns a fresh onboarding link for a connected account.
func (c *Client) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	form := url.Values{}
	form.Set("account", accountID)
	form.Set("refresh_url", refreshURL)
	form.Set("return_url", returnURL)
	form.Set("type", "account_onboarding")

	var link AccountLink
	if err := c.do(ctx, http.MethodPost, "/account_links", form, "", &link); err != nil {
		return "", err
	}
	return link.URL, nil
}

func (c *Client) RetrieveBalance(ctx context.Context) (*Balance, error) {
	var balance Balance
	if err := c.do(ctx, http.MethodGet, "/balance", nil, "", &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// CreateTransfer moves funds from the platform balance to a connected
// account. The idempotency key makes redelivered settlement triggers safe:
// Stripe collapses duplicate transfer attempts carrying the same key.
func (c *Client) CreateTransfer(ctx context.Context, amountMinor int64, currency, destination, idempotencyKey string) (*Transfer, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountMinor, 10))
	form.Set("currency", currency)
	form.Set("destination", destination)

	var transfer Transfer
	if err := c.do(ctx, http.MethodPost, "/transfers", form, idempotencyKey, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}
