package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"order-fulfillment/internal/domain"
)

// Client calls the coordinator API. Response codes come back as the domain
// error kinds; network failures and 5xx are domain.ErrTransient.
type Client struct {
	base string
	hc   *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) ReportStationStatus(ctx context.Context, orderID string, station domain.Station,
	status domain.TaskStatus, token string) (bool, error) {
	path := fmt.Sprintf("/api/v1/orders/%s/stations/%s/status", url.PathEscape(orderID), url.PathEscape(string(station)))
	var resp ReportStatusResponse
	err := c.do(ctx, http.MethodPost, path, ReportStatusRequest{Status: string(status), IdempotencyToken: token}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Applied, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	var v domain.OrderStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID)+"/status", nil, &v)
	return v, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", domain.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrTransient, err)
	}

	if resp.StatusCode >= 300 {
		p := Problem{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, &p)
		p.Status = resp.StatusCode
		if p.Title == "" {
			p.Title = http.StatusText(resp.StatusCode)
		}
		return errorFor(p)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
