package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/ctrmux/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	dial         func(ctx context.Context) (net.Conn, error)
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(socketPath string) *Client {
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dial(ctx)
		},
	}
	c := NewWithClient("http://unix", &http.Client{Transport: transport})
	c.dial = dial
	return c
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "" && e.StatusCode > 0:
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	case code != "":
		return code
	case message != "" && e.StatusCode > 0:
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	case message != "":
		return message
	case e.StatusCode > 0:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", nil, &out)
	return out, err
}

func (c *Client) ListUnits(ctx context.Context) (api.ListResponse, error) {
	var out api.ListResponse
	err := c.getJSON(ctx, "/v1/units", nil, &out)
	return out, err
}

func (c *Client) Inspect(ctx context.Context, unitID string) (api.InspectResponse, error) {
	var out api.InspectResponse
	err := c.getJSON(ctx, "/v1/units/"+url.PathEscape(unitID), nil, &out)
	return out, err
}

// StartUnit recreates a stopped unit from its persisted launch record.
func (c *Client) StartUnit(ctx context.Context, unitID string) (api.RelaunchResponse, error) {
	var out api.RelaunchResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/units/"+url.PathEscape(unitID)+"/start", nil, &out)
	return out, err
}

func (c *Client) StopUnit(ctx context.Context, unitID string) (api.CommandResponse, error) {
	var out api.CommandResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/units/"+url.PathEscape(unitID)+"/stop", nil, &out)
	return out, err
}

func (c *Client) RemoveUnit(ctx context.Context, unitID string, force bool) (api.CommandResponse, error) {
	var out api.CommandResponse
	err := c.doJSON(ctx, http.MethodDelete, "/v1/units/"+url.PathEscape(unitID), forceQuery(force), &out)
	return out, err
}

func (c *Client) ListVolumes(ctx context.Context) (api.ListResponse, error) {
	var out api.ListResponse
	err := c.getJSON(ctx, "/v1/volumes", nil, &out)
	return out, err
}

func (c *Client) RemoveVolume(ctx context.Context, name string, force bool) (api.CommandResponse, error) {
	var out api.CommandResponse
	err := c.doJSON(ctx, http.MethodDelete, "/v1/volumes/"+url.PathEscape(name), forceQuery(force), &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context) (api.SessionsEnvelope, error) {
	var out api.SessionsEnvelope
	err := c.getJSON(ctx, "/v1/sessions", nil, &out)
	return out, err
}

type HistoryOptions struct {
	UnitID   string
	ClientID string
	Limit    int
}

func (c *Client) History(ctx context.Context, opts HistoryOptions) (api.HistoryEnvelope, error) {
	query := url.Values{}
	if v := strings.TrimSpace(opts.UnitID); v != "" {
		query.Set("unit", v)
	}
	if v := strings.TrimSpace(opts.ClientID); v != "" {
		query.Set("client", v)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out api.HistoryEnvelope
	err := c.getJSON(ctx, "/v1/sessions/history", query, &out)
	return out, err
}

func (c *Client) Relaunches(ctx context.Context, unitID string, limit int) (api.RelaunchesEnvelope, error) {
	query := url.Values{}
	if v := strings.TrimSpace(unitID); v != "" {
		query.Set("unit", v)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out api.RelaunchesEnvelope
	err := c.getJSON(ctx, "/v1/relaunches", query, &out)
	return out, err
}

func forceQuery(force bool) url.Values {
	if !force {
		return nil
	}
	return url.Values{"force": []string{"1"}}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, query, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, out any) error {
	body, err := c.request(ctx, method, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
