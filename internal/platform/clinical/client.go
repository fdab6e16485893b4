// Package clinical integrates with the clinical platform that owns patient
// charts, physician-reviewed treatment plans and lab requisitions.
package clinical

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrUnavailable wraps transport failures reaching the platform.
var ErrUnavailable = errors.New("clinical platform unavailable")

// APIError is a non-2xx answer from the platform.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("clinical api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("clinical api: status %d", e.StatusCode)
}

// Tokens supplies bearer tokens. TokenManager implements it.
type Tokens interface {
	TokenContext(ctx context.Context) (*oauth2.Token, error)
	Invalidate()
}

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// NewPatient is the payload for creating a remote patient chart.
type NewPatient struct {
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	BirthDate string   `json:"dob,omitempty"`
	Gender    string   `json:"gender,omitempty"`
	Phone     string   `json:"phone_number,omitempty"`
	Address   *Address `json:"location,omitempty"`
}

type Patient struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Activation is the platform's answer to activating a treatment plan.
type Activation struct {
	TreatmentPlanID string `json:"id"`
	Status          string `json:"status"`
	LabOrderID      string `json:"lab_order_id"`
}

type Client struct {
	baseURL    string
	tokens     Tokens
	httpClient *http.Client
}

func NewClient(baseURL string, tokens Tokens, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SearchPatientByEmail returns the first chart registered under email, or
// nil when there is none.
func (c *Client) SearchPatientByEmail(ctx context.Context, email string) (*Patient, error) {
	var out struct {
		Data []Patient `json:"data"`
	}
	path := "/patients?email=" + url.QueryEscape(strings.ToLower(strings.TrimSpace(email)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("search patient: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

func (c *Client) CreatePatient(ctx context.Context, p NewPatient) (*Patient, error) {
	var out Patient
	if err := c.do(ctx, http.MethodPost, "/patients", p, &out); err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("create patient: response missing id")
	}
	return &out, nil
}

// ActivateTreatmentPlan runs the platform's in-office checkout for a plan,
// which issues the lab requisition.
func (c *Client) ActivateTreatmentPlan(ctx context.Context, planID string) (*Activation, error) {
	if planID == "" {
		return nil, fmt.Errorf("activate treatment plan: empty plan id")
	}
	body := map[string]string{"checkout_type": "in_office"}
	var out Activation
	if err := c.do(ctx, http.MethodPost, "/treatment-plans/"+url.PathEscape(planID)+"/activate", body, &out); err != nil {
		return nil, fmt.Errorf("activate treatment plan %s: %w", planID, err)
	}
	if out.TreatmentPlanID == "" {
		out.TreatmentPlanID = planID
	}
	return &out, nil
}

// do sends one JSON request. A 401 invalidates the cached token and the
// request is retried once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		err := c.send(ctx, method, path, payload, out)
		var apiErr *APIError
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
			continue
		}
		return err
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	tok, err := c.tokens.TokenContext(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		return e.Error
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return strings.TrimSpace(string(raw))
}
