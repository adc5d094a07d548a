package square

import (
	"bytes"
	"context"
	"customer-import/internal/config"
	"customer-import/internal/domain/customer"
	"customer-import/internal/pkg/apperrors"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	SandboxBaseURL    = "https://connect.squareupsandbox.com"
	ProductionBaseURL = "https://connect.squareup.com"

	defaultAPIVersion = "2024-01-18"
	defaultTimeout    = 30 * time.Second
	searchPageLimit   = 100
)

const (
	OpCreateCustomer = "create customer"
	OpAddToGroup     = "add customer to group"
	OpListGroups     = "list groups"
	OpCreateGroup    = "create group"
	OpSearchMembers  = "search group members"
)

// CallObserver is told about every finished remote call. kind is empty on success.
type CallObserver interface {
	ObserveCall(operation string, kind apperrors.FailureKind, elapsed time.Duration)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithObserver(o CallObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithIdempotencyKeys replaces the uuid generator used for idempotency keys.
func WithIdempotencyKeys(next func() string) Option {
	return func(c *Client) { c.newKey = next }
}

// Client talks to the Square customers API and implements customer.Directory.
type Client struct {
	baseURL    string
	token      string
	apiVersion string
	httpClient *http.Client
	limiter    *rate.Limiter
	retrier    *Retrier
	observer   CallObserver
	newKey     func() string
	logger     *slog.Logger
}

var _ customer.Directory = (*Client)(nil)

func NewClient(cfg config.SquareConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	token := cfg.Token()
	if token == "" {
		return nil, apperrors.NewSetupError("square access token is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = SandboxBaseURL
		if strings.EqualFold(cfg.Environment, config.EnvironmentProduction) {
			baseURL = ProductionBaseURL
		}
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:    baseURL,
		token:      token,
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: timeout},
		newKey:     func() string { return uuid.NewString() },
		logger:     logger.With(slog.String("component", "SquareClient")),
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}
	if cfg.Retry.Enabled {
		c.retrier = NewRetrier(cfg.Retry, c.logger)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type apiError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
	Field    string `json:"field,omitempty"`
}

type apiCustomer struct {
	ID           string `json:"id"`
	GivenName    string `json:"given_name,omitempty"`
	FamilyName   string `json:"family_name,omitempty"`
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

type apiGroup struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type createCustomerRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	GivenName      string `json:"given_name,omitempty"`
	FamilyName     string `json:"family_name,omitempty"`
	EmailAddress   string `json:"email_address,omitempty"`
	PhoneNumber    string `json:"phone_number,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
}

type createCustomerResponse struct {
	Customer *apiCustomer `json:"customer"`
	Errors   []apiError   `json:"errors"`
}

type listGroupsResponse struct {
	Groups []apiGroup `json:"groups"`
	Cursor string     `json:"cursor"`
	Errors []apiError `json:"errors"`
}

type createGroupRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	Group          apiGroup `json:"group"`
}

type createGroupResponse struct {
	Group  *apiGroup  `json:"group"`
	Errors []apiError `json:"errors"`
}

type searchCustomersRequest struct {
	Limit  int         `json:"limit"`
	Cursor string      `json:"cursor,omitempty"`
	Query  searchQuery `json:"query"`
}

type searchQuery struct {
	Filter searchFilter `json:"filter"`
}

type searchFilter struct {
	GroupIDs filterValue `json:"group_ids"`
}

type filterValue struct {
	Any []string `json:"any"`
}

type searchCustomersResponse struct {
	Customers []apiCustomer `json:"customers"`
	Cursor    string        `json:"cursor"`
	Errors    []apiError    `json:"errors"`
}

type errorsResponse struct {
	Errors []apiError `json:"errors"`
}

func (c *Client) CreateCustomer(ctx context.Context, rec *customer.Record) (string, error) {
	body := createCustomerRequest{
		IdempotencyKey: c.newKey(),
		GivenName:      rec.GivenName,
		FamilyName:     rec.FamilyName,
		EmailAddress:   rec.Email,
		PhoneNumber:    rec.Phone,
	}
	var resp createCustomerResponse
	if err := c.do(ctx, OpCreateCustomer, http.MethodPost, "/v2/customers", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.Customer == nil || resp.Customer.ID == "" {
		return "", &apperrors.RemoteError{Kind: apperrors.FailureServer, Operation: OpCreateCustomer, Detail: "response has no customer id"}
	}
	return resp.Customer.ID, nil
}

func (c *Client) AddCustomerToGroup(ctx context.Context, customerID, groupID string) error {
	path := fmt.Sprintf("/v2/customers/%s/groups/%s", url.PathEscape(customerID), url.PathEscape(groupID))
	var resp errorsResponse
	return c.do(ctx, OpAddToGroup, http.MethodPut, path, nil, nil, &resp)
}

// FindGroupByName pages through all customer groups and returns the id of
// the first one whose name matches exactly, or "" when none does.
func (c *Client) FindGroupByName(ctx context.Context, name string) (string, error) {
	cursor := ""
	for {
		var params url.Values
		if cursor != "" {
			params = url.Values{"cursor": {cursor}}
		}
		var resp listGroupsResponse
		if err := c.do(ctx, OpListGroups, http.MethodGet, "/v2/customers/groups", params, nil, &resp); err != nil {
			return "", err
		}
		for _, g := range resp.Groups {
			if g.Name == name {
				return g.ID, nil
			}
		}
		if resp.Cursor == "" {
			return "", nil
		}
		cursor = resp.Cursor
	}
}

func (c *Client) CreateGroup(ctx context.Context, name string) (string, error) {
	body := createGroupRequest{IdempotencyKey: c.newKey(), Group: apiGroup{Name: name}}
	var resp createGroupResponse
	if err := c.do(ctx, OpCreateGroup, http.MethodPost, "/v2/customers/groups", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.Group == nil || resp.Group.ID == "" {
		return "", &apperrors.RemoteError{Kind: apperrors.FailureServer, Operation: OpCreateGroup, Detail: "response has no group id"}
	}
	return resp.Group.ID, nil
}

func (c *Client) ListGroupMembers(ctx context.Context, groupID string) ([]customer.Contact, error) {
	var contacts []customer.Contact
	req := searchCustomersRequest{
		Limit: searchPageLimit,
		Query: searchQuery{Filter: searchFilter{GroupIDs: filterValue{Any: []string{groupID}}}},
	}
	for {
		var resp searchCustomersResponse
		if err := c.do(ctx, OpSearchMembers, http.MethodPost, "/v2/customers/search", nil, req, &resp); err != nil {
			return nil, err
		}
		for _, cu := range resp.Customers {
			contacts = append(contacts, customer.Contact{ID: cu.ID, Email: cu.EmailAddress, Phone: cu.PhoneNumber})
		}
		if resp.Cursor == "" {
			return contacts, nil
		}
		req.Cursor = resp.Cursor
	}
}

func (c *Client) do(ctx context.Context, operation, method, path string, params url.Values, body, out interface{}) error {
	start := time.Now()
	call := func(ctx context.Context) error {
		return c.roundTrip(ctx, operation, method, path, params, body, out)
	}

	var err error
	if c.retrier != nil {
		err = c.retrier.Do(ctx, operation, call)
	} else {
		err = call(ctx)
	}

	if c.observer != nil {
		c.observer.ObserveCall(operation, apperrors.RemoteKind(err), time.Since(start))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, operation, method, path string, params url.Values, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &apperrors.RemoteError{Kind: apperrors.FailureNetwork, Operation: operation, Cause: err}
		}
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", operation, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("building %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Square-Version", c.apiVersion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.DebugContext(ctx, "Calling Square API", slog.String("operation", operation), slog.String("method", method), slog.String("path", path))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apperrors.RemoteError{Kind: apperrors.FailureNetwork, Operation: operation, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apperrors.RemoteError{Kind: apperrors.FailureNetwork, Operation: operation, StatusCode: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode >= 300 {
		remoteErr := &apperrors.RemoteError{
			Kind:       kindForStatus(resp.StatusCode),
			Operation:  operation,
			StatusCode: resp.StatusCode,
			RetryAfter: ParseRetryAfter(resp.Header),
		}
		var payload errorsResponse
		if json.Unmarshal(respBody, &payload) == nil && len(payload.Errors) > 0 {
			remoteErr.Code = payload.Errors[0].Code
			remoteErr.Detail = describe(payload.Errors)
		} else {
			remoteErr.Detail = strings.TrimSpace(string(respBody))
		}
		return remoteErr
	}

	if len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &apperrors.RemoteError{Kind: apperrors.FailureServer, Operation: operation, StatusCode: resp.StatusCode, Detail: "malformed response body", Cause: err}
	}

	var payload errorsResponse
	if json.Unmarshal(respBody, &payload) == nil && len(payload.Errors) > 0 {
		return &apperrors.RemoteError{
			Kind:       kindForCategory(payload.Errors[0].Category),
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Code:       payload.Errors[0].Code,
			Detail:     describe(payload.Errors),
		}
	}
	return nil
}

func kindForStatus(status int) apperrors.FailureKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.FailureAuth
	case status == http.StatusTooManyRequests:
		return apperrors.FailureRateLimit
	case status == http.StatusNotFound:
		return apperrors.FailureNotFound
	case status >= 500:
		return apperrors.FailureServer
	default:
		return apperrors.FailureValidation
	}
}

func kindForCategory(category string) apperrors.FailureKind {
	switch category {
	case "AUTHENTICATION_ERROR":
		return apperrors.FailureAuth
	case "RATE_LIMIT_ERROR":
		return apperrors.FailureRateLimit
	case "INVALID_REQUEST_ERROR":
		return apperrors.FailureValidation
	default:
		return apperrors.FailureServer
	}
}

func describe(errs []apiError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := e.Detail
		if msg == "" {
			msg = e.Code
		}
		if e.Field != "" {
			msg = e.Field + ": " + msg
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}
