package chargeamps

import (
	"bytes"
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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chargeamps-bridge/internal/metrics"
)

// Request deadlines. The status and session-history endpoints are slow when
// the charge point is waking from power save, so the recurring data reads
// get a longer budget, and token renewal longer still.
const (
	defaultTimeout = 25 * time.Second
	dataTimeout    = 90 * time.Second
	renewalTimeout = 120 * time.Second
)

// APIError is a non-2xx response from the cloud.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chargeamps: %s: %s (status %d)", e.Operation, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("chargeamps: %s: status %d", e.Operation, e.StatusCode)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client issues requests against the Charge Amps cloud. It holds no session
// state; callers pass the bearer token on each call, which keeps one client
// shareable across accounts. Requests are never retried here.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	metrics *metrics.Bridge
	logger  *zap.Logger
}

// NewClient creates a cloud client. limiter and m may be nil to disable
// rate limiting and metrics.
func NewClient(baseURL string, limiter *rate.Limiter, m *metrics.Bridge, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// Login authenticates with account credentials. This is the only call that
// carries the apiKey header.
func (c *Client) Login(ctx context.Context, email, password, apiKey string) (*LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, request{
		op:      "login",
		method:  http.MethodPost,
		path:    "/auth/login",
		timeout: defaultTimeout,
		apiKey:  apiKey,
		body:    loginRequest{Email: email, Password: password},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RenewToken exchanges the current token pair for a fresh one.
func (c *Client) RenewToken(ctx context.Context, token, refreshToken string) (*LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, request{
		op:      "renew_token",
		method:  http.MethodPost,
		path:    "/auth/refreshtoken",
		timeout: renewalTimeout,
		token:   token,
		body:    renewRequest{Token: token, RefreshToken: refreshToken},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// OwnedChargePoints lists the charge points registered to the account.
func (c *Client) OwnedChargePoints(ctx context.Context, token string) ([]ChargePoint, error) {
	var out []ChargePoint
	err := c.do(ctx, request{
		op:      "owned_charge_points",
		method:  http.MethodGet,
		path:    "/chargepoints/owned",
		timeout: defaultTimeout,
		token:   token,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches the live status of a charge point and all its connectors.
func (c *Client) Status(ctx context.Context, token, id string) (*ChargePointStatus, error) {
	var out ChargePointStatus
	err := c.do(ctx, request{
		op:      "status",
		method:  http.MethodGet,
		path:    fmt.Sprintf("/chargepoints/%s/status", url.PathEscape(id)),
		timeout: dataTimeout,
		token:   token,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Settings fetches the device level settings (dimmer, ground light).
func (c *Client) Settings(ctx context.Context, token, id string) (*ChargePointSettings, error) {
	var out ChargePointSettings
	err := c.do(ctx, request{
		op:      "settings",
		method:  http.MethodGet,
		path:    fmt.Sprintf("/chargepoints/%s/settings", url.PathEscape(id)),
		timeout: defaultTimeout,
		token:   token,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PutSettings writes the device level settings.
func (c *Client) PutSettings(ctx context.Context, token string, settings *ChargePointSettings) error {
	return c.do(ctx, request{
		op:      "put_settings",
		method:  http.MethodPut,
		path:    fmt.Sprintf("/chargepoints/%s/settings", url.PathEscape(settings.ID)),
		timeout: defaultTimeout,
		token:   token,
		body:    settings,
	}, nil)
}

// ConnectorSettings fetches the settings of one connector.
func (c *Client) ConnectorSettings(ctx context.Context, token, id string, connectorID int) (*ConnectorSettings, error) {
	var out ConnectorSettings
	err := c.do(ctx, request{
		op:      "connector_settings",
		method:  http.MethodGet,
		path:    fmt.Sprintf("/chargepoints/%s/connectors/%d/settings", url.PathEscape(id), connectorID),
		timeout: defaultTimeout,
		token:   token,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PutConnectorSettings writes the settings of one connector.
func (c *Client) PutConnectorSettings(ctx context.Context, token string, settings *ConnectorSettings) error {
	return c.do(ctx, request{
		op:      "put_connector_settings",
		method:  http.MethodPut,
		path:    fmt.Sprintf("/chargepoints/%s/connectors/%d/settings", url.PathEscape(settings.ChargePointID), settings.ConnectorID),
		timeout: defaultTimeout,
		token:   token,
		body:    settings,
	}, nil)
}

// RemoteStop asks the charge point to end the session on a connector.
func (c *Client) RemoteStop(ctx context.Context, token, id string, connectorID int) error {
	return c.do(ctx, request{
		op:      "remote_stop",
		method:  http.MethodPut,
		path:    fmt.Sprintf("/chargepoints/%s/connectors/%d/remotestop", url.PathEscape(id), connectorID),
		timeout: defaultTimeout,
		token:   token,
	}, nil)
}

// ChargingSessions returns up to maxCount session history rows for a
// connector, newest first.
func (c *Client) ChargingSessions(ctx context.Context, token, id string, connectorID, maxCount int) ([]ChargingSession, error) {
	var out []ChargingSession
	err := c.do(ctx, request{
		op:     "charging_sessions",
		method: http.MethodGet,
		path: fmt.Sprintf("/chargepoints/%s/connectors/%d/chargingsessions?maxCount=%d",
			url.PathEscape(id), connectorID, maxCount),
		timeout: dataTimeout,
		token:   token,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type request struct {
	op      string
	method  string
	path    string
	timeout time.Duration
	token   string
	apiKey  string
	body    any
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", r.op, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var reqBody io.Reader
	if r.body != nil {
		buf, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", r.op, err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: %w", r.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("apiKey", r.apiKey)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordCloudRequest(r.op, "error", time.Since(start).Seconds())
		return fmt.Errorf("%s: %w", r.op, err)
	}
	defer resp.Body.Close()

	elapsed := time.Since(start)
	c.logger.Debug("Cloud request",
		zap.String("operation", r.op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.metrics.RecordCloudRequest(r.op, strconv.Itoa(resp.StatusCode), elapsed.Seconds())
		return &APIError{
			Operation:  r.op,
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
	}
	c.metrics.RecordCloudRequest(r.op, "ok", elapsed.Seconds())

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", r.op, err)
	}
	return nil
}

// readErrorMessage pulls a human readable message out of an error response,
// tolerating both the cloud's JSON error envelope and plain text bodies.
func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}

	return strings.TrimSpace(string(raw))
}
