// Package tradier implements broker.Broker against the Tradier brokerage
// REST API. Every request is rate-limited, retried on 5xx errors, and
// authenticated with a bearer token.
package tradier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"policygate-capital/internal/broker"
	"policygate-capital/internal/model"
)

const (
	productionBaseURL = "https://api.tradier.com"
	sandboxBaseURL    = "https://sandbox.tradier.com"
)

// Config carries the credentials Tradier requires. Token and AccountID are
// read by the caller from TRADIER_TOKEN and TRADIER_ACCOUNT_ID; Env selects
// production vs sandbox via TRADIER_ENV ("production" or "sandbox").
type Config struct {
	Token     string
	AccountID string
	Env       string
}

// Client is the Tradier REST client backing broker.Broker.
type Client struct {
	http      *resty.Client
	rl        *broker.TokenBucket
	accountID string
}

// New creates a rate-limited, retrying Tradier client.
func New(cfg Config) *Client {
	baseURL := productionBaseURL
	if cfg.Env == "sandbox" {
		baseURL = sandboxBaseURL
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
		SetHeader("Authorization", "Bearer "+cfg.Token).
		SetHeader("Accept", "application/json")

	return &Client{
		http:      httpClient,
		rl:        broker.NewTokenBucket(100, 10),
		accountID: cfg.AccountID,
	}
}

type orderEnvelope struct {
	Order struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	} `json:"order"`
}

type orderStatusEnvelope struct {
	Order struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	} `json:"order"`
}

// Submit places an order via POST /v1/accounts/{account_id}/orders.
func (c *Client) Submit(ctx context.Context, intent model.OrderIntent) (broker.SubmitResult, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return broker.SubmitResult{}, err
	}

	form := url.Values{}
	form.Set("class", "equity")
	form.Set("symbol", intent.Instrument.Symbol)
	form.Set("side", string(intent.Side))
	form.Set("quantity", fmt.Sprintf("%g", intent.Qty))
	form.Set("duration", "day")
	if intent.OrderType == model.OrderTypeLimit && intent.LimitPrice != nil {
		form.Set("type", "limit")
		form.Set("price", fmt.Sprintf("%g", *intent.LimitPrice))
	} else {
		form.Set("type", "market")
	}

	var result orderEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormDataFromValues(form).
		SetResult(&result).
		Post(fmt.Sprintf("/v1/accounts/%s/orders", c.accountID))
	if err != nil {
		return broker.SubmitResult{}, fmt.Errorf("tradier: submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return broker.SubmitResult{}, fmt.Errorf("tradier: submit order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return broker.SubmitResult{
		OrderID: fmt.Sprintf("%d", result.Order.ID),
		Status:  mapStatus(result.Order.Status),
	}, nil
}

// Cancel cancels an order via DELETE /v1/accounts/{account_id}/orders/{id}.
func (c *Client) Cancel(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/v1/accounts/%s/orders/%s", c.accountID, orderID))
	if err != nil {
		return "", fmt.Errorf("tradier: cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("tradier: cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return broker.StatusCancelled, nil
}

// PollFills checks each open order's status individually; Tradier fills
// are observed as a status transition rather than a separate feed here.
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

// GetOrder fetches an order's status via GET /v1/accounts/{account_id}/orders/{id}.
func (c *Client) GetOrder(ctx context.Context, orderID string) (broker.OrderView, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return broker.OrderView{}, err
	}

	var result orderStatusEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/v1/accounts/%s/orders/%s", c.accountID, orderID))
	if err != nil {
		return broker.OrderView{}, fmt.Errorf("tradier: get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return broker.OrderView{}, fmt.Errorf("tradier: get order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return broker.OrderView{
		OrderID: fmt.Sprintf("%d", result.Order.ID),
		Status:  mapStatus(result.Order.Status),
	}, nil
}

func mapStatus(s string) broker.OrderStatus {
	switch s {
	case "filled":
		return broker.StatusFilled
	case "canceled":
		return broker.StatusCancelled
	case "rejected", "expired":
		return broker.StatusRejected
	default:
		return broker.StatusOpen
	}
}
