// Package alpaca implements broker.Broker against the Alpaca trading REST
// API. Every request is rate-limited, retried on 5xx errors, and
// authenticated with the account's API key pair.
package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"policygate-capital/internal/broker"
	"policygate-capital/internal/model"
)

const defaultBaseURL = "https://paper-api.alpaca.markets"

// Client is the Alpaca REST client backing broker.Broker.
type Client struct {
	http *resty.Client
	rl   *broker.TokenBucket
}

// Config carries the credentials and endpoint Alpaca requires. KeyID and
// SecretKey are read by the caller from ALPACA_API_KEY_ID and
// ALPACA_API_SECRET_KEY.
type Config struct {
	BaseURL   string
	KeyID     string
	SecretKey string
}

// New creates a rate-limited, retrying Alpaca client.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("APCA-API-KEY-ID", cfg.KeyID).
		SetHeader("APCA-API-SECRET-KEY", cfg.SecretKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http: httpClient,
		rl:   broker.NewTokenBucket(200, 20),
	}
}

type orderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
	LimitPrice  string `json:"limit_price,omitempty"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Submit places an order via POST /v2/orders.
func (c *Client) Submit(ctx context.Context, intent model.OrderIntent) (broker.SubmitResult, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return broker.SubmitResult{}, err
	}

	req := orderRequest{
		Symbol:      intent.Instrument.Symbol,
		Qty:         fmt.Sprintf("%g", intent.Qty),
		Side:        string(intent.Side),
		TimeInForce: "day",
	}
	if intent.OrderType == model.OrderTypeLimit && intent.LimitPrice != nil {
		req.Type = "limit"
		req.LimitPrice = fmt.Sprintf("%g", *intent.LimitPrice)
	} else {
		req.Type = "market"
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/v2/orders")
	if err != nil {
		return broker.SubmitResult{}, fmt.Errorf("alpaca: submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return broker.SubmitResult{}, fmt.Errorf("alpaca: submit order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return broker.SubmitResult{OrderID: result.ID, Status: mapStatus(result.Status)}, nil
}

// Cancel cancels an order via DELETE /v2/orders/{id}.
func (c *Client) Cancel(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/v2/orders/" + orderID)
	if err != nil {
		return "", fmt.Errorf("alpaca: cancel order: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return "", fmt.Errorf("alpaca: cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return broker.StatusCancelled, nil
}

// PollFills fetches each open order's current status; Alpaca has no
// account-wide fills endpoint in this integration so polling is per-order.
func (c *Client) PollFills(ctx context.Context, openOrderIDs []string) ([]broker.Fill, error) {
	var fills []broker.Fill
	for _, id := range openOrderIDs {
		view, err := c.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if view.Status == broker.StatusFilled {
			fills = append(fills, broker.Fill{OrderID: id, Timestamp: time.Now().UTC()})
		}
	}
	return fills, nil
}

// GetOrder fetches an order's status via GET /v2/orders/{id}.
func (c *Client) GetOrder(ctx context.Context, orderID string) (broker.OrderView, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return broker.OrderView{}, err
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/orders/" + orderID)
	if err != nil {
		return broker.OrderView{}, fmt.Errorf("alpaca: get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return broker.OrderView{}, fmt.Errorf("alpaca: get order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return broker.OrderView{OrderID: result.ID, Status: mapStatus(result.Status)}, nil
}

func mapStatus(s string) broker.OrderStatus {
	switch s {
	case "filled":
		return broker.StatusFilled
	case "canceled", "cancelled":
		return broker.StatusCancelled
	case "rejected", "expired":
		return broker.StatusRejected
	default:
		return broker.StatusOpen
	}
}
