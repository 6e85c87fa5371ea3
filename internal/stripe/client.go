// Package stripe is a small Stripe REST client covering customers,
// subscriptions, checkout and the billing portal, plus webhook verification.
package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.stripe.com/v1"
	defaultTimeout = 30 * time.Second
)

// Client wraps Stripe API calls using the REST API directly.
type Client struct {
	secretKey  string
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root, e.g. an httptest server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Stripe API client.
func NewClient(secretKey string, opts ...Option) *Client {
	c := &Client{
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    defaultBaseURL,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCustomer creates a customer. At least one field must be supplied.
func (c *Client) CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error) {
	if params.Email == "" && params.Name == "" && len(params.Metadata) == 0 {
		return nil, invalidArgument("customer params are empty")
	}

	data := url.Values{}
	if params.Email != "" {
		data.Set("email", params.Email)
	}
	if params.Name != "" {
		data.Set("name", params.Name)
	}
	setMetadata(data, params.Metadata)

	var customer Customer
	if err := c.post(ctx, "/customers", data, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// RetrieveCustomer fetches a customer by id.
func (c *Client) RetrieveCustomer(ctx context.Context, id string) (*Customer, error) {
	if id == "" {
		return nil, invalidArgument("customer id is required")
	}
	var customer Customer
	if err := c.get(ctx, "/customers/"+url.PathEscape(id), nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// DeleteCustomer permanently deletes a customer and cancels its subscriptions.
func (c *Client) DeleteCustomer(ctx context.Context, id string) (*Customer, error) {
	if id == "" {
		return nil, invalidArgument("customer id is required")
	}
	var customer Customer
	if err := c.delete(ctx, "/customers/"+url.PathEscape(id), &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// RetrieveSubscription fetches a subscription by id. params may be nil.
func (c *Client) RetrieveSubscription(ctx context.Context, id string, params *RetrieveSubscriptionParams) (*Subscription, error) {
	if id == "" {
		return nil, invalidArgument("subscription id is required")
	}

	query := url.Values{}
	if params != nil {
		for _, field := range params.Expand {
			query.Add("expand[]", field)
		}
	}

	var sub Subscription
	if err := c.get(ctx, "/subscriptions/"+url.PathEscape(id), query, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateSubscription applies a partial update. A price change without an
// item id first retrieves the subscription to find its first item.
func (c *Client) UpdateSubscription(ctx context.Context, id string, params UpdateSubscriptionParams) (*Subscription, error) {
	if id == "" {
		return nil, invalidArgument("subscription id is required")
	}
	if params.empty() {
		return nil, invalidArgument("subscription update is empty")
	}

	data := url.Values{}
	if params.PriceID != "" {
		itemID := params.ItemID
		if itemID == "" {
			current, err := c.RetrieveSubscription(ctx, id, nil)
			if err != nil {
				return nil, fmt.Errorf("get subscription for price change: %w", err)
			}
			if len(current.Items.Data) == 0 {
				return nil, fmt.Errorf("update subscription %s: no subscription items found", id)
			}
			itemID = current.Items.Data[0].ID
		}
		data.Set("items[0][id]", itemID)
		data.Set("items[0][price]", params.PriceID)
		proration := params.ProrationBehavior
		if proration == "" {
			proration = "create_prorations"
		}
		data.Set("proration_behavior", proration)
	}
	if params.CancelAtPeriodEnd != nil {
		data.Set("cancel_at_period_end", strconv.FormatBool(*params.CancelAtPeriodEnd))
	}
	setMetadata(data, params.Metadata)

	var sub Subscription
	if err := c.post(ctx, "/subscriptions/"+url.PathEscape(id), data, &sub); err != nil {
		return nil, err
	}
	c.logger.Debug("stripe subscription updated", zap.String("subscription_id", id), zap.String("price_id", params.PriceID))
	return &sub, nil
}

// CreateCheckoutSession creates a hosted checkout for a subscription.
func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	if params.PriceID == "" {
		return nil, invalidArgument("price id is required")
	}
	if params.SuccessURL == "" || params.CancelURL == "" {
		return nil, invalidArgument("success and cancel urls are required")
	}

	data := url.Values{}
	data.Set("mode", "subscription")
	data.Set("line_items[0][price]", params.PriceID)
	data.Set("line_items[0][quantity]", "1")
	data.Set("success_url", params.SuccessURL)
	data.Set("cancel_url", params.CancelURL)
	if params.Customer != "" {
		data.Set("customer", params.Customer)
	} else if params.CustomerEmail != "" {
		data.Set("customer_email", params.CustomerEmail)
	}
	if params.ClientReferenceID != "" {
		data.Set("client_reference_id", params.ClientReferenceID)
	}
	setMetadata(data, params.Metadata)

	var session CheckoutSession
	if err := c.post(ctx, "/checkout/sessions", data, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, fmt.Errorf("create checkout session: missing session ID in response")
	}
	return &session, nil
}

// CreatePortalSession opens the customer billing portal.
func (c *Client) CreatePortalSession(ctx context.Context, params PortalSessionParams) (*PortalSession, error) {
	if params.Customer == "" {
		return nil, invalidArgument("customer id is required")
	}

	data := url.Values{}
	data.Set("customer", params.Customer)
	if params.ReturnURL != "" {
		data.Set("return_url", params.ReturnURL)
	}

	var session PortalSession
	if err := c.post(ctx, "/billing_portal/sessions", data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func setMetadata(data url.Values, metadata map[string]string) {
	for k, v := range metadata {
		data.Set("metadata["+k+"]", v)
	}
}

// HTTP helpers

func (c *Client) post(ctx context.Context, path string, data url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.doRequest(req, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, out)
}

func (c *Client) delete(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, out)
}

func (c *Client) doRequest(req *http.Request, out interface{}) error {
	req.SetBasicAuth(c.secretKey, "")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Message: err.Error(), err: err}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return &Error{HTTPStatus: resp.StatusCode, Message: "read response: " + err.Error(), err: err}
	}

	c.logger.Debug("stripe request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		apiErr := &Error{HTTPStatus: resp.StatusCode, RequestID: resp.Header.Get("Request-Id")}
		var envelope struct {
			Error *Error `json:"error"`
		}
		if err := json.Unmarshal(buf.Bytes(), &envelope); err == nil && envelope.Error != nil {
			apiErr.Type = envelope.Error.Type
			apiErr.Code = envelope.Error.Code
			apiErr.Param = envelope.Error.Param
			apiErr.Message = envelope.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = "unknown error"
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return fmt.Errorf("parse stripe response: %w", err)
	}
	return nil
}
