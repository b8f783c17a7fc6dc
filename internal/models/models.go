package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Credential 用户凭证记录，按 chat_id 持久化
type Credential struct {
	ChatID          string         `json:"chat_id" db:"chat_id"`
	RefreshToken    string         `json:"-" db:"refresh_token"`
	AccessToken     string         `json:"-" db:"access_token"`
	AccessExpiresAt *time.Time     `json:"access_expires_at,omitempty" db:"access_expires_at"`
	PollInterval    time.Duration  `json:"poll_interval" db:"poll_interval_sec"`
	Snapshot        OrdersSnapshot `json:"snapshot,omitempty" db:"orders_snapshot"`
	AuthInvalid     bool           `json:"auth_invalid" db:"auth_invalid"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// TokenFresh 检查 access token 是否仍在安全边界内有效
func (c *Credential) TokenFresh(margin time.Duration, now time.Time) bool {
	if c.AccessToken == "" || c.AccessExpiresAt == nil {
		return false
	}
	return now.Add(margin).Before(*c.AccessExpiresAt)
}

// OrderSnapshot 单个订单某一时刻的快照
type OrderSnapshot struct {
	ReferenceNumber string   `json:"reference_number"`
	OrderStatus     string   `json:"order_status,omitempty"`
	ModelCode       string   `json:"model_code,omitempty"`
	VIN             string   `json:"vin,omitempty"`
	DeliveryWindow  string   `json:"delivery_window,omitempty"`
	OptionCodes     []string `json:"option_codes,omitempty"`
	BlockingTasks   []string `json:"blocking_tasks,omitempty"`
}

// OrdersSnapshot 用户全部订单的快照，按订单号索引
type OrdersSnapshot map[string]OrderSnapshot

// Value 实现 driver.Valuer 接口，用于存储到数据库
func (s OrdersSnapshot) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan 实现 sql.Scanner 接口，用于从数据库读取
func (s *OrdersSnapshot) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// ChangeKind 订单变化类型
type ChangeKind string

const (
	ChangeOrderAdded       ChangeKind = "order_added"
	ChangeOrderRemoved     ChangeKind = "order_removed"
	ChangeVINAssigned      ChangeKind = "vin_assigned"
	ChangeVINChanged       ChangeKind = "vin_changed"
	ChangeDeliveryWindow   ChangeKind = "delivery_window_changed"
	ChangeOrderStatus      ChangeKind = "order_status_changed"
	ChangeBlockingTasks    ChangeKind = "blocking_tasks_changed"
)

// Change 一次快照比较得到的单项变化
type Change struct {
	Kind            ChangeKind `json:"kind"`
	ReferenceNumber string     `json:"reference_number"`
	Old             string     `json:"old,omitempty"`
	New             string     `json:"new,omitempty"`
	Order           *OrderSnapshot `json:"order,omitempty"`
}

// ErrorKind 推送给用户的失败类别
type ErrorKind string

const (
	ErrorAuthInvalid ErrorKind = "auth_invalid"
	ErrorBlocked     ErrorKind = "blocked"
	ErrorPermanent   ErrorKind = "permanent"
	ErrorStoreFailed ErrorKind = "store_failed"
)
