// Package twilio is a thin typed facade over the calling-platform REST API.
//
// Rules:
// - No provider SDK; the adapter speaks plain HTTP + JSON.
// - No business logic here; callers decide what to do with the resources.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// API is the operation surface the rest of the daemon depends on.
type API interface {
	ListIncomingPhoneNumbers(ctx context.Context, limit int) ([]IncomingPhoneNumber, error)
	FetchIncomingPhoneNumber(ctx context.Context, numberSID string) (IncomingPhoneNumber, error)
	UpdateIncomingPhoneNumber(ctx context.Context, numberSID string, params NumberUpdateParams) (IncomingPhoneNumber, error)
	ListApplications(ctx context.Context, friendlyName string, limit int) ([]Application, error)
	CreateApplication(ctx context.Context, params ApplicationParams) (Application, error)
	UpdateApplication(ctx context.Context, appSID string, params ApplicationParams) (Application, error)
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	Status  int    `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twilio: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("twilio: status %d", e.Status)
}

// IsAuthFailure reports whether err is a 401-class response; callers map it
// to an "authentication failed" message for the user.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Client talks to the REST API with API key basic auth.
type Client struct {
	accountSID string
	keySID     string
	keySecret  string
	baseURL    string
	hc         *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func NewClient(accountSID, keySID, keySecret string, opts ...Option) (*Client, error) {
	if accountSID == "" || keySID == "" || keySecret == "" {
		return nil, errors.New("twilio: account sid, key sid and key secret are required")
	}
	c := &Client{
		accountSID: accountSID,
		keySID:     keySID,
		keySecret:  keySecret,
		baseURL:    defaultBaseURL,
		hc:         &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) ListIncomingPhoneNumbers(ctx context.Context, limit int) ([]IncomingPhoneNumber, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{"PageSize": {strconv.Itoa(limit)}}
	var out struct {
		IncomingPhoneNumbers []IncomingPhoneNumber `json:"incoming_phone_numbers"`
	}
	if err := c.do(ctx, http.MethodGet, "/IncomingPhoneNumbers.json?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.IncomingPhoneNumbers, nil
}

func (c *Client) FetchIncomingPhoneNumber(ctx context.Context, numberSID string) (IncomingPhoneNumber, error) {
	var out IncomingPhoneNumber
	if numberSID == "" {
		return out, errors.New("twilio: number sid is required")
	}
	err := c.do(ctx, http.MethodGet, "/IncomingPhoneNumbers/"+url.PathEscape(numberSID)+".json", nil, &out)
	return out, err
}

func (c *Client) UpdateIncomingPhoneNumber(ctx context.Context, numberSID string, params NumberUpdateParams) (IncomingPhoneNumber, error) {
	var out IncomingPhoneNumber
	if numberSID == "" {
		return out, errors.New("twilio: number sid is required")
	}
	form := url.Values{}
	form.Set("VoiceApplicationSid", params.VoiceApplicationSID)
	form.Set("VoiceUrl", params.VoiceURL)
	form.Set("VoiceMethod", orPost(params.VoiceMethod))
	form.Set("StatusCallback", params.StatusCallback)
	form.Set("StatusCallbackMethod", orPost(params.StatusCallbackMethod))
	err := c.do(ctx, http.MethodPost, "/IncomingPhoneNumbers/"+url.PathEscape(numberSID)+".json", form, &out)
	return out, err
}

func (c *Client) ListApplications(ctx context.Context, friendlyName string, limit int) ([]Application, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{"PageSize": {strconv.Itoa(limit)}}
	if friendlyName != "" {
		q.Set("FriendlyName", friendlyName)
	}
	var out struct {
		Applications []Application `json:"applications"`
	}
	if err := c.do(ctx, http.MethodGet, "/Applications.json?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Applications, nil
}

func (c *Client) CreateApplication(ctx context.Context, params ApplicationParams) (Application, error) {
	var out Application
	if params.FriendlyName == "" || params.VoiceURL == "" {
		return out, errors.New("twilio: friendly name and voice url are required")
	}
	form := url.Values{}
	form.Set("FriendlyName", params.FriendlyName)
	form.Set("VoiceUrl", params.VoiceURL)
	form.Set("VoiceMethod", orPost(params.VoiceMethod))
	err := c.do(ctx, http.MethodPost, "/Applications.json", form, &out)
	return out, err
}

func (c *Client) UpdateApplication(ctx context.Context, appSID string, params ApplicationParams) (Application, error) {
	var out Application
	if appSID == "" {
		return out, errors.New("twilio: application sid is required")
	}
	form := url.Values{}
	if params.FriendlyName != "" {
		form.Set("FriendlyName", params.FriendlyName)
	}
	form.Set("VoiceUrl", params.VoiceURL)
	form.Set("VoiceMethod", orPost(params.VoiceMethod))
	err := c.do(ctx, http.MethodPost, "/Applications/"+url.PathEscape(appSID)+".json", form, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	endpoint := c.baseURL + "/Accounts/" + url.PathEscape(c.accountSID) + path

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(c.keySID, c.keySecret)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("twilio: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		// Error bodies carry {code, message, status}; decode best-effort.
		_ = json.Unmarshal(raw, apiErr)
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("twilio: decode response: %w", err)
		}
	}
	return nil
}

func orPost(method string) string {
	if method == "" {
		return "POST"
	}
	return method
}
