package civicwatersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTimeout      = errors.New("request timed out")
	ErrNetwork      = errors.New("network error")
)

// Client is a minimal Civic Water HTTP API client.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	// Attempts bounds retries of network failures, timeouts and 5xx.
	Attempts int
	Backoff  time.Duration

	mu    sync.Mutex
	token string
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Timeout:  10 * time.Second,
		Attempts: 3,
		Backoff:  time.Second,
	}
}

// Token returns the current citizen session token, empty after a 401.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// StageEntry is one timeline stage.
type StageEntry struct {
	Label   string `json:"label"`
	State   string `json:"state"`
	At      string `json:"at,omitempty"`
	Officer string `json:"officer,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Record is the tracked state of an application or grievance.
type Record struct {
	ID                  string       `json:"id"`
	Family              string       `json:"family"`
	Category            string       `json:"category"`
	Subject             string       `json:"subject"`
	ApplicantName       string       `json:"applicantName"`
	ConsumerNumber      string       `json:"consumerNumber"`
	Overdue             bool         `json:"overdue"`
	CurrentStep         int          `json:"currentStep"`
	TotalSteps          int          `json:"totalSteps"`
	Status              string       `json:"status"`
	StatusLabel         string       `json:"statusLabel"`
	Progress            float64      `json:"progress"`
	SubmittedAt         string       `json:"submittedAt"`
	EstimatedCompletion string       `json:"estimatedCompletion,omitempty"`
	Timeline            []StageEntry `json:"timeline"`
}

type Property struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Login is the verify-otp or select-property result.
type Login struct {
	Token                  string     `json:"token"`
	ExpiresAt              string     `json:"expiresAt"`
	SessionKind            string     `json:"sessionKind"`
	PropertyID             string     `json:"propertyId"`
	Properties             []Property `json:"properties"`
	NeedsPropertySelection bool       `json:"needsPropertySelection"`
}

type Grievance struct {
	ConnectionID   string   `json:"connectionId,omitempty"`
	Category       string   `json:"category"`
	Subject        string   `json:"subject,omitempty"`
	Description    string   `json:"description"`
	Priority       string   `json:"priority,omitempty"`
	AttachmentRefs []string `json:"attachmentRefs,omitempty"`
}

type Upload struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type Connection struct {
	ConsumerNumber string `json:"consumerNumber"`
	PropertyID     string `json:"propertyId"`
	Category       string `json:"category"`
	Type           string `json:"type"`
	MeterType      string `json:"meterType"`
	LastReading    int64  `json:"lastReading"`
	DueAmount      int64  `json:"dueAmount"`
}

type Bill struct {
	ID             string `json:"id"`
	ConsumerNumber string `json:"consumerNumber"`
	Period         string `json:"period"`
	DueDate        string `json:"dueDate"`
	Consumption    int64  `json:"consumption"`
	Amount         int64  `json:"amount"`
	DueAmount      int64  `json:"dueAmount"`
	Status         string `json:"status"`
	TransactionID  string `json:"transactionId,omitempty"`
}

// Payment is the receipt of a paid bill.
type Payment struct {
	TransactionID string `json:"transactionId"`
	ReceiptNumber string `json:"receiptNumber"`
	BillID        string `json:"billId"`
	Amount        int64  `json:"amount"`
	Method        string `json:"method"`
	PaidAt        string `json:"paidAt"`
}

// Reading is an accepted meter reading and the estimated charge for it.
type Reading struct {
	Reading struct {
		ID          string `json:"id"`
		Reading     int64  `json:"reading"`
		Consumption int64  `json:"consumption"`
	} `json:"reading"`
	Estimate struct {
		Total int64 `json:"total"`
	} `json:"estimate"`
}

// APIError wraps non-2xx responses. It unwraps to ErrNotFound or
// ErrUnauthorized where the status maps to one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Fields     map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusGatewayTimeout:
		return ErrTimeout
	}
	return nil
}

// TrackConnection looks up an APP or WNC record.
func (c *Client) TrackConnection(ctx context.Context, applicationNumber string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, "connections/track/"+url.PathEscape(applicationNumber), nil, &resp)
	return resp, err
}

// TrackGrievance looks up a GRV record.
func (c *Client) TrackGrievance(ctx context.Context, grievanceNumber string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, "grievances/track/"+url.PathEscape(grievanceNumber), nil, &resp)
	return resp, err
}

func (c *Client) SendOTP(ctx context.Context, identifier string) error {
	return c.do(ctx, http.MethodPost, "auth/send-otp", map[string]string{"identifier": identifier}, nil)
}

// VerifyOTP completes a login and keeps the issued token for later calls.
func (c *Client) VerifyOTP(ctx context.Context, identifier, code string) (Login, error) {
	var resp Login
	if err := c.do(ctx, http.MethodPost, "auth/verify-otp", map[string]string{"identifier": identifier, "code": code}, &resp); err != nil {
		return Login{}, err
	}
	c.SetToken(resp.Token)
	return resp, nil
}

func (c *Client) SelectProperty(ctx context.Context, propertyID string) (Login, error) {
	var resp Login
	if err := c.do(ctx, http.MethodPost, "auth/select-property", map[string]string{"propertyId": propertyID}, &resp); err != nil {
		return Login{}, err
	}
	c.SetToken(resp.Token)
	return resp, nil
}

// RaiseGrievance submits a grievance and returns its number.
func (c *Client) RaiseGrievance(ctx context.Context, g Grievance) (string, error) {
	var resp struct {
		GrievanceNumber string `json:"grievanceNumber"`
	}
	err := c.do(ctx, http.MethodPost, "grievances", g, &resp)
	return resp.GrievanceNumber, err
}

// Apply submits a connection application form and returns its identifier.
func (c *Client) Apply(ctx context.Context, form string, fields map[string]string, attachmentRefs []string) (string, error) {
	var resp struct {
		ApplicationID string `json:"applicationId"`
	}
	body := map[string]any{"form": form, "fields": fields, "attachmentRefs": attachmentRefs}
	err := c.do(ctx, http.MethodPost, "connections", body, &resp)
	return resp.ApplicationID, err
}

// Connections lists the logged-in citizen's connections, optionally on one
// property.
func (c *Client) Connections(ctx context.Context, propertyID string) ([]Connection, error) {
	endpoint := "connections"
	if propertyID != "" {
		endpoint += "?propertyId=" + url.QueryEscape(propertyID)
	}
	var resp struct {
		Items []Connection `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Bills(ctx context.Context, consumerNumber string) ([]Bill, error) {
	var resp struct {
		Items []Bill `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "connections/"+url.PathEscape(consumerNumber)+"/bills", nil, &resp)
	return resp.Items, err
}

// SubmitReading sends a meter reading; the server accepts them on a few days
// of each month only.
func (c *Client) SubmitReading(ctx context.Context, consumerNumber string, reading int64) (Reading, error) {
	var resp Reading
	err := c.do(ctx, http.MethodPost, "connections/"+url.PathEscape(consumerNumber)+"/readings", map[string]int64{"reading": reading}, &resp)
	return resp, err
}

// PayBill settles a bill with upi, card or netbanking.
func (c *Client) PayBill(ctx context.Context, billID, method string) (Payment, error) {
	var resp struct {
		Payment Payment `json:"payment"`
	}
	err := c.do(ctx, http.MethodPost, "bills/"+url.PathEscape(billID)+"/pay", map[string]string{"method": method}, &resp)
	return resp.Payment, err
}

func (c *Client) Receipt(ctx context.Context, billID string) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodGet, "bills/"+url.PathEscape(billID)+"/receipt", nil, &resp)
	return resp, err
}

// Upload sends one file for the given form's attachment policy.
func (c *Client) Upload(ctx context.Context, form, name string, r io.Reader) (Upload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Upload{}, err
	}
	var resp Upload
	err = c.send(ctx, func() (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
		if err := mw.WriteField("form", form); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("files/upload"), &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	return c.send(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

// send runs build/execute with exponential backoff. A cancelled ctx and any
// 4xx end the loop at once.
func (c *Client) send(ctx context.Context, build func() (*http.Request, error), out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	attempts := c.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := c.Backoff
	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		req, err := build()
		if err != nil {
			return err
		}
		c.authorize(req)
		last = c.execute(req, out)
		if last == nil || !retryable(ctx, last) {
			return last
		}
	}
	return last
}

func (c *Client) authorize(req *http.Request) {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) execute(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
				Details struct {
					Fields map[string]string `json:"fields"`
				} `json:"details"`
			} `json:"error"`
		}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Fields = env.Error.Details.Fields
		} else {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.SetToken("")
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 500
}

func (c *Client) endpoint(p string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/v1/" + strings.TrimLeft(p, "/")
}
