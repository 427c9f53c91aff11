package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/tablemate/internal/types"
)

// Client implements Service against a remote reservation server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the reservation API at baseURL. timeout
// bounds each request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Search(ctx context.Context, cr Criteria) ([]SearchResult, error) {
	q := url.Values{}
	setIf := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	setIf("q", cr.Query)
	setIf("cuisine", cr.Cuisine)
	setIf("location", cr.Location)
	if !cr.From.IsZero() {
		q.Set("from", cr.From.Format(time.RFC3339))
	}
	if !cr.To.IsZero() {
		q.Set("to", cr.To.Format(time.RFC3339))
	}
	if cr.PartySize > 0 {
		q.Set("party_size", strconv.Itoa(cr.PartySize))
	}
	if cr.Limit > 0 {
		q.Set("limit", strconv.Itoa(cr.Limit))
	}

	var out []SearchResult
	if err := c.do(ctx, http.MethodGet, "/v1/restaurants?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Details(ctx context.Context, restaurantID string) (*SearchResult, error) {
	var out SearchResult
	if err := c.do(ctx, http.MethodGet, "/v1/restaurants/"+url.PathEscape(restaurantID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	var out Reservation
	if err := c.send(ctx, http.MethodPost, "/v1/reservations", req.IdempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, code string) (*Reservation, error) {
	var out Reservation
	if err := c.do(ctx, http.MethodDelete, "/v1/reservations/"+url.PathEscape(code), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Reservation(ctx context.Context, code string) (*Reservation, error) {
	var out Reservation
	if err := c.do(ctx, http.MethodGet, "/v1/reservations/"+url.PathEscape(code), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.send(ctx, method, path, "", body, out)
}

// send performs one API call. A non-empty key is sent as Idempotency-Key.
func (c *Client) send(ctx context.Context, method, path, key string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("reservation service status %d: %w", resp.StatusCode, types.ErrUpstreamUnavailable)
	}
	if env.Error != nil {
		return errorFromAPI(env.Error)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("reservation service status %d: %w", resp.StatusCode, types.ErrUpstreamUnavailable)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("reservation service: %w: %v", types.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("reservation service: %w: %v", types.ErrUpstreamUnavailable, err)
}

var _ Service = (*Client)(nil)
