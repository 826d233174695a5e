// Package provider предоставляет клиент для внешней SMM-панели услуг.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с API провайдера услуг.
// Все действия передаются одним form-POST запросом с полями key и action.
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент провайдера с повторными попытками при сетевых сбоях.
func NewClient(apiURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 30 * time.Second

	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		apiKey:     apiKey,
		httpClient: rc,
	}
}

// Remains хранит недоставленное количество из ответа провайдера.
// Провайдер присылает его то строкой, то числом.
type Remains string

// UnmarshalJSON принимает строковое или числовое представление без ошибки.
func (r *Remains) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	s = strings.Trim(s, `"`)
	if s == "null" {
		s = ""
	}
	*r = Remains(s)
	return nil
}

// Int возвращает остаток как целое число. Нечисловое значение трактуется
// как 0, то есть как полностью доставленный заказ: иначе заказ с испорченным
// полем remains навсегда остался бы открытым.
func (r Remains) Int() int {
	n, err := strconv.Atoi(strings.TrimSpace(string(r)))
	if err != nil {
		return 0
	}
	return n
}

// OrderState описывает состояние одного заказа в ответе провайдера.
type OrderState struct {
	Status     string      `json:"status"`
	Remains    Remains     `json:"remains"`
	Charge     json.Number `json:"charge"`
	StartCount json.Number `json:"start_count"`
	Currency   string      `json:"currency"`
	Error      string      `json:"error"`
}

// Service описывает услугу из каталога провайдера.
type Service struct {
	ID       json.Number `json:"service"`
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Category string      `json:"category"`
	Rate     json.Number `json:"rate"`
	Min      json.Number `json:"min"`
	Max      json.Number `json:"max"`
}

// Balance описывает баланс аккаунта у провайдера.
type Balance struct {
	Balance  json.Number `json:"balance"`
	Currency string      `json:"currency"`
}

func (c *Client) call(ctx context.Context, action string, params url.Values) ([]byte, error) {
	if c == nil || c.apiURL == "" {
		return nil, fmt.Errorf("provider client not configured")
	}

	form := url.Values{}
	form.Set("key", c.apiKey)
	form.Set("action", action)
	for k, vs := range params {
		for _, v := range vs {
			form.Add(k, v)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return body, nil
}

type apiError struct {
	Error string `json:"error"`
}

// Services возвращает каталог услуг провайдера.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	body, err := c.call(ctx, "services", nil)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("provider error: %s", apiErr.Error)
		}
	}

	var services []Service
	if err := json.Unmarshal(body, &services); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}

	return services, nil
}

// CreateOrder отправляет заказ провайдеру и возвращает его идентификатор.
func (c *Client) CreateOrder(ctx context.Context, serviceID int64, link string, quantity int) (string, error) {
	params := url.Values{}
	params.Set("service", strconv.FormatInt(serviceID, 10))
	params.Set("link", link)
	params.Set("quantity", strconv.Itoa(quantity))

	body, err := c.call(ctx, "add", params)
	if err != nil {
		return "", err
	}

	var result struct {
		Order json.Number `json:"order"`
		Error string      `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode add response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("provider error: %s", result.Error)
	}
	if result.Order.String() == "" {
		return "", fmt.Errorf("provider returned no order id")
	}

	return result.Order.String(), nil
}

// OrderStatus запрашивает состояние одного заказа.
func (c *Client) OrderStatus(ctx context.Context, providerID string) (*OrderState, error) {
	params := url.Values{}
	params.Set("order", providerID)

	body, err := c.call(ctx, "status", params)
	if err != nil {
		return nil, err
	}

	var state OrderState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	if state.Error != "" {
		return nil, fmt.Errorf("provider error: %s", state.Error)
	}

	return &state, nil
}

// OrdersStatus запрашивает состояние пакета заказов одним запросом.
// Ключ результата — идентификатор заказа у провайдера; отдельные записи
// могут содержать заполненное поле Error.
func (c *Client) OrdersStatus(ctx context.Context, providerIDs []string) (map[string]OrderState, error) {
	if len(providerIDs) == 0 {
		return map[string]OrderState{}, nil
	}

	params := url.Values{}
	params.Set("orders", strings.Join(providerIDs, ","))

	body, err := c.call(ctx, "status", params)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode batch status response: %w", err)
	}

	// Ответ уровня пакета: {"error": "..."} вместо карты заказов.
	if msg, ok := raw["error"]; ok && len(raw) == 1 {
		var errText string
		if err := json.Unmarshal(msg, &errText); err == nil {
			return nil, fmt.Errorf("provider error: %s", errText)
		}
	}

	result := make(map[string]OrderState, len(raw))
	for id, entry := range raw {
		// Ключ error рядом с заказами не является идентификатором заказа.
		if id == "error" {
			continue
		}
		var state OrderState
		if err := json.Unmarshal(entry, &state); err != nil {
			state = OrderState{Error: fmt.Sprintf("malformed entry: %v", err)}
		}
		result[id] = state
	}

	return result, nil
}

// AccountBalance возвращает баланс аккаунта у провайдера.
func (c *Client) AccountBalance(ctx context.Context) (*Balance, error) {
	body, err := c.call(ctx, "balance", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Balance  json.Number `json:"balance"`
		Currency string      `json:"currency"`
		Error    string      `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode balance response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("provider error: %s", result.Error)
	}

	return &Balance{Balance: result.Balance, Currency: result.Currency}, nil
}
