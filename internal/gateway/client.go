// Package gateway предоставляет клиент платёжного шлюза мобильных денег.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrGateway помечает ошибки взаимодействия со шлюзом. Такие ошибки
// временные: запрос допустимо повторить.
var ErrGateway = errors.New("payment gateway error")

// Status — состояние push-платежа на стороне шлюза.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Client инкапсулирует HTTP-взаимодействие со шлюзом STK push.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент шлюза по указанному адресу.
// Сетевые сбои ретраются на уровне транспорта, бизнес-ответы — нет.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

type pushRequest struct {
	Phone  string  `json:"phone"`
	Amount float64 `json:"amount"`
}

type pushResponse struct {
	CheckoutRequestID string `json:"checkoutRequestId"`
}

// StartPush инициирует push-платёж на телефон водителя и возвращает
// ссылку checkout-запроса. Успешный ответ не означает успешную оплату:
// подтверждение приходит асинхронно и опрашивается через CheckStatus.
func (c *Client) StartPush(ctx context.Context, phone string, amountKsh float64) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("%w: client not configured", ErrGateway)
	}

	body, err := json.Marshal(pushRequest{Phone: phone, Amount: amountKsh})
	if err != nil {
		return "", fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/stkpush"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrGateway, resp.StatusCode)
	}

	var result pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %s", ErrGateway, err)
	}

	if result.CheckoutRequestID == "" {
		return "", fmt.Errorf("%w: empty checkout reference", ErrGateway)
	}

	return result.CheckoutRequestID, nil
}

type statusRequest struct {
	CheckoutRequestID string `json:"checkoutRequestId"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// CheckStatus возвращает текущее состояние платежа по ссылке checkout-запроса.
func (c *Client) CheckStatus(ctx context.Context, checkoutRef string) (Status, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("%w: client not configured", ErrGateway)
	}

	body, err := json.Marshal(statusRequest{CheckoutRequestID: checkoutRef})
	if err != nil {
		return "", fmt.Errorf("marshal status request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/payment-status"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrGateway, resp.StatusCode)
	}

	var result statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %s", ErrGateway, err)
	}

	switch Status(result.Status) {
	case StatusPending, StatusCompleted, StatusFailed:
		return Status(result.Status), nil
	default:
		return "", fmt.Errorf("%w: unknown payment status %q", ErrGateway, result.Status)
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}
