// Package crmhttp implements business.Adapter against a JSON REST service.
package crmhttp

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/resilience"
)

type Settings struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ business.Adapter = (*Client)(nil)

func New(s Settings) (*Client, error) {
	if strings.TrimSpace(s.BaseURL) == "" {
		return nil, errorsx.New(errorsx.ReasonProviderInit, "crmhttp: base_url is required")
	}
	if _, err := url.Parse(s.BaseURL); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonProviderInit)
	}
	timeout := 10 * time.Second
	if s.TimeoutMS > 0 {
		timeout = time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return &Client{
		baseURL: strings.TrimRight(s.BaseURL, "/"),
		apiKey:  s.APIKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(op string, r *http.Request) string {
					return "crm " + r.Method + " " + r.URL.Path
				}),
			),
		},
	}, nil
}

// WithHTTPClient replaces the transport client, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) LookupCustomerByPhone(ctx context.Context, phone string) ([]business.CustomerMatch, error) {
	var out struct {
		Customers []business.CustomerMatch `json:"customers"`
	}
	q := url.Values{"phone": {phone}}
	if err := c.call(ctx, http.MethodGet, "/customers?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Customers, nil
}

func (c *Client) VerifyAccount(ctx context.Context, customerID, zip string) (bool, error) {
	var out struct {
		Verified bool `json:"verified"`
	}
	body := map[string]string{"zip": zip}
	if err := c.call(ctx, http.MethodPost, "/customers/"+url.PathEscape(customerID)+"/verify", body, &out); err != nil {
		return false, err
	}
	return out.Verified, nil
}

func (c *Client) ListUpcomingAppointments(ctx context.Context, customerID string, limit int) ([]business.Appointment, error) {
	var out struct {
		Appointments []business.Appointment `json:"appointments"`
	}
	q := url.Values{"status": {"upcoming"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/customers/" + url.PathEscape(customerID) + "/appointments?" + q.Encode()
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Appointments, nil
}

func (c *Client) GetAvailableSlots(ctx context.Context, customerID string, window business.SlotWindow) ([]business.Slot, error) {
	var out struct {
		Slots []business.Slot `json:"slots"`
	}
	q := url.Values{
		"customerId": {customerID},
		"from":       {window.From.UTC().Format(time.RFC3339)},
		"to":         {window.To.UTC().Format(time.RFC3339)},
	}
	if err := c.call(ctx, http.MethodGet, "/slots?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}

func (c *Client) CancelAppointment(ctx context.Context, appointmentID string) (business.CancelResult, error) {
	var out business.CancelResult
	err := c.call(ctx, http.MethodPost, "/appointments/"+url.PathEscape(appointmentID)+"/cancel", struct{}{}, &out)
	return out, err
}

func (c *Client) RescheduleAppointment(ctx context.Context, appointmentID, slotID string) (business.RescheduleResult, error) {
	var out business.RescheduleResult
	body := map[string]string{"slotId": slotID}
	err := c.call(ctx, http.MethodPost, "/appointments/"+url.PathEscape(appointmentID)+"/reschedule", body, &out)
	return out, err
}

func (c *Client) CreateAppointment(ctx context.Context, in business.CreateAppointmentInput) (business.CreateResult, error) {
	var out business.CreateResult
	err := c.call(ctx, http.MethodPost, "/appointments", in, &out)
	return out, err
}

func (c *Client) GetOpenInvoices(ctx context.Context, customerID string) ([]business.Invoice, error) {
	var out struct {
		Invoices []business.Invoice `json:"invoices"`
	}
	path := "/customers/" + url.PathEscape(customerID) + "/invoices?status=open"
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Invoices, nil
}

func (c *Client) GetServicePolicy(ctx context.Context, topic string) (string, error) {
	var out struct {
		Policy string `json:"policy"`
	}
	if err := c.call(ctx, http.MethodGet, "/policies/"+url.PathEscape(topic), nil, &out); err != nil {
		return "", err
	}
	return out.Policy, nil
}

func (c *Client) Escalate(ctx context.Context, in business.EscalationInput) (business.EscalationResult, error) {
	var out business.EscalationResult
	err := c.call(ctx, http.MethodPost, "/escalations", in, &out)
	return out, err
}

// call sends one request. Non-2xx responses become adapter_call errors,
// 429 becomes a rate limit error.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonAdapterCall)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAdapterCall)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAdapterCall)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errorsx.Wrap(resilience.RateLimitError{Provider: "crmhttp", Message: string(msg)}, errorsx.ReasonAdapterCall)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errorsx.New(errorsx.ReasonAdapterCall, "crm %s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errorsx.Wrap(fmt.Errorf("crm %s %s: decode: %w", method, req.URL.Path, err), errorsx.ReasonAdapterCall)
	}
	return nil
}
