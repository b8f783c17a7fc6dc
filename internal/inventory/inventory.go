// Package inventory 查询官方库存并按用户条件筛选
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Criteria 库存查询条件
type Criteria struct {
	Market    string   `json:"market"`
	Model     string   `json:"model"`
	Condition string   `json:"condition"`
	Trim      string   `json:"trim,omitempty"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Zip       string   `json:"zip"`
	MaxPrice  float64  `json:"max_price,omitempty"`
	Options   []string `json:"options,omitempty"`
}

func (c *Criteria) withDefaults() {
	if c.Market == "" {
		c.Market = "ES"
	}
	if c.Model == "" {
		c.Model = "my"
	}
	if c.Condition == "" {
		c.Condition = "new"
	}
	if c.Lat == 0 && c.Lng == 0 {
		c.Lat = 40.4168
		c.Lng = -3.7038
	}
	if c.Zip == "" {
		c.Zip = "28001"
	}
}

func (c *Criteria) cacheKey() string {
	trim := c.Trim
	if trim == "" {
		trim = "all"
	}
	return fmt.Sprintf("%s_%s_%s_%s", c.Market, c.Model, c.Condition, trim)
}

// Car 库存中的一辆车
type Car struct {
	VIN            string         `json:"VIN"`
	Price          float64        `json:"Price"`
	OnTheRoadPrice float64        `json:"OnTheRoadPrice"`
	CurrencyCode   string         `json:"CurrencyCode"`
	TrimName       string         `json:"TrimName"`
	PaintColor     string         `json:"PaintColor"`
	City           string         `json:"City"`
	Market         string         `json:"Market"`
	OptionCodeMap  map[string]any `json:"OptionCodeMap"`
	OptionCodeList []string       `json:"OptionCodeList"`
}

// EffectivePrice 优先取落地价
func (c *Car) EffectivePrice() float64 {
	if c.OnTheRoadPrice > 0 {
		return c.OnTheRoadPrice
	}
	return c.Price
}

func (c *Car) optionCodes() map[string]bool {
	codes := make(map[string]bool)
	for code := range c.OptionCodeMap {
		codes[code] = true
	}
	for _, code := range c.OptionCodeList {
		codes[code] = true
	}
	return codes
}

type cacheEntry struct {
	fetchedAt time.Time
	cars      []Car
}

// Manager 库存查询管理器，带 TTL 缓存避免高频打扰上游
type Manager struct {
	logger     *zap.Logger
	httpClient *http.Client
	host       string
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewManager 创建库存管理器
func NewManager(logger *zap.Logger, host string, ttl time.Duration) *Manager {
	return &Manager{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		host:  host,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Search 查询库存并按条件筛选
func (m *Manager) Search(ctx context.Context, criteria Criteria) ([]Car, error) {
	criteria.withDefaults()

	cars, err := m.fetch(ctx, criteria)
	if err != nil {
		return nil, err
	}

	return FindMatches(cars, criteria), nil
}

// fetch 拉取原始库存结果，命中缓存时不发请求
func (m *Manager) fetch(ctx context.Context, criteria Criteria) ([]Car, error) {
	key := criteria.cacheKey()

	m.mu.Lock()
	entry, ok := m.cache[key]
	m.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < m.ttl {
		m.logger.Debug("Using cached inventory", zap.String("key", key))
		return entry.cars, nil
	}

	payload := buildQueryPayload(criteria)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal inventory query: %w", err)
	}

	query := url.Values{}
	query.Set("query", string(payloadJSON))

	req, err := http.NewRequestWithContext(ctx, "GET", m.host+"/inventory/api/v4/inventory-results?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create inventory request: %w", err)
	}

	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Origin", m.host)
	req.Header.Set("Referer", refererFor(m.host, criteria))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inventory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("inventory api: status=%d body=%s", resp.StatusCode, string(body))
	}

	var result struct {
		Results []Car `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode inventory response: %w", err)
	}

	m.mu.Lock()
	m.cache[key] = cacheEntry{fetchedAt: time.Now(), cars: result.Results}
	m.mu.Unlock()

	return result.Results, nil
}

func buildQueryPayload(criteria Criteria) map[string]any {
	options := map[string]any{}
	if criteria.Trim != "" {
		options["TRIM"] = []string{criteria.Trim}
	}

	language := "en"
	if criteria.Market == "ES" {
		language = "es"
	}

	superRegion := "north america"
	switch criteria.Market {
	case "ES", "FR", "DE", "IT", "NL", "NO", "SE":
		superRegion = "europe"
	}

	return map[string]any{
		"query": map[string]any{
			"model":        criteria.Model,
			"condition":    criteria.Condition,
			"options":      options,
			"arrangeby":    "Price",
			"order":        "asc",
			"market":       criteria.Market,
			"language":     language,
			"super_region": superRegion,
			"lng":          criteria.Lng,
			"lat":          criteria.Lat,
			"zip":          criteria.Zip,
			"range":        0,
			"region":       criteria.Market,
		},
		"offset":                           0,
		"count":                            50,
		"outsideOffset":                    0,
		"outsideSearch":                    false,
		"isFalconDeliverySelectionEnabled": true,
		"version":                          "v2",
	}
}

func refererFor(host string, criteria Criteria) string {
	locale := strings.ToLower(criteria.Market) + "_" + criteria.Market
	if criteria.Market == "ES" {
		locale = "es_ES"
	}
	return fmt.Sprintf("%s/%s/inventory/%s/%s?arrangeby=plh&zip=%s&range=0",
		host, locale, criteria.Condition, criteria.Model, criteria.Zip)
}

// FindMatches 按价格与选配代码筛选
// 同类选配代码（$ 后首字母相同）之间为"或"，不同类之间为"且"
func FindMatches(cars []Car, criteria Criteria) []Car {
	var matches []Car

	groups := groupOptions(criteria.Options)

	for _, car := range cars {
		if criteria.MaxPrice > 0 && car.EffectivePrice() > criteria.MaxPrice {
			continue
		}

		if !matchesOptionGroups(car.optionCodes(), groups) {
			continue
		}

		matches = append(matches, car)
	}

	return matches
}

func groupOptions(options []string) map[byte][]string {
	groups := make(map[byte][]string)
	for _, opt := range options {
		trimmed := strings.TrimPrefix(opt, "$")
		if trimmed == "" {
			continue
		}
		groups[trimmed[0]] = append(groups[trimmed[0]], opt)
	}
	return groups
}

func matchesOptionGroups(carCodes map[string]bool, groups map[byte][]string) bool {
	for _, alternatives := range groups {
		found := false
		for _, opt := range alternatives {
			if carCodes[opt] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
