package tesla

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/langchou/ordergazer/internal/models"
)

// Client Tesla 订单 API 客户端
// 不持有令牌，每次调用由上层传入有效 access token
type Client struct {
	httpClient *http.Client
	apiHost    string
	tasksHost  string
	appVersion string
}

// NewClient 创建新的订单 API 客户端
func NewClient(apiHost, tasksHost, appVersion string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiHost:    apiHost,
		tasksHost:  tasksHost,
		appVersion: appVersion,
	}
}

// apiResponse 通用 API 响应结构
type apiResponse struct {
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error,omitempty"`
}

// doRequest 执行带认证的请求并分类失败状态码
func (c *Client) doRequest(ctx context.Context, accessToken, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", "TeslaApp/"+c.appVersion)
	req.Header.Set("X-Tesla-User-Agent", "TeslaApp/"+c.appVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: ErrTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &APIError{Kind: ErrUnauthorized, StatusCode: resp.StatusCode, Message: string(body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &APIError{
			Kind:       ErrRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    string(body),
		}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusPreconditionFailed:
		// Tesla 会对过旧的 App 版本返回 403/412
		return nil, &APIError{Kind: ErrBlocked, StatusCode: resp.StatusCode, Message: string(body)}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return nil, &APIError{Kind: ErrTransient, StatusCode: resp.StatusCode, Message: string(body)}
	default:
		return nil, &APIError{Kind: ErrPermanent, StatusCode: resp.StatusCode, Message: string(body)}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// GetOrders 获取订单列表
func (c *Client) GetOrders(ctx context.Context, accessToken string) ([]Order, error) {
	body, err := c.doRequest(ctx, accessToken, c.apiHost+"/api/1/users/orders")
	if err != nil {
		return nil, err
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("decode orders response: %w", err)
	}

	var orders []Order
	if err := json.Unmarshal(apiResp.Response, &orders); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}

	return orders, nil
}

// GetOrderDetails 获取单个订单的任务详情
func (c *Client) GetOrderDetails(ctx context.Context, accessToken, referenceNumber string) (*OrderDetails, error) {
	query := url.Values{}
	query.Set("deviceLanguage", "en")
	query.Set("deviceCountry", "US")
	query.Set("referenceNumber", referenceNumber)
	query.Set("appVersion", c.appVersion)

	body, err := c.doRequest(ctx, accessToken, c.tasksHost+"/tasks?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var details OrderDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("decode order details: %w", err)
	}

	return &details, nil
}

// FetchSnapshot 拉取全部订单并组装为快照
func (c *Client) FetchSnapshot(ctx context.Context, accessToken string) (models.OrdersSnapshot, error) {
	orders, err := c.GetOrders(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	snapshot := make(models.OrdersSnapshot, len(orders))
	for _, order := range orders {
		details, err := c.GetOrderDetails(ctx, accessToken, order.ReferenceNumber)
		if err != nil {
			return nil, err
		}

		snapshot[order.ReferenceNumber] = models.OrderSnapshot{
			ReferenceNumber: order.ReferenceNumber,
			OrderStatus:     order.OrderStatus,
			ModelCode:       order.ModelCode,
			VIN:             order.VIN,
			DeliveryWindow:  details.Tasks.Scheduling.DeliveryWindowDisplay,
			OptionCodes:     order.OptionCodeList,
			BlockingTasks:   details.BlockingSteps(),
		}
	}

	return snapshot, nil
}
