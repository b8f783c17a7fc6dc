package handlers

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/ordergazer/internal/decoder"
	"github.com/langchou/ordergazer/internal/models"
	"github.com/langchou/ordergazer/internal/repository"
)

// Login 保存刷新令牌并启动轮询
// 先用新令牌完成一次真实的刷新+拉取，失败则回滚
func (h *Handler) Login(c *gin.Context) {
	chatID := c.Param("chat_id")

	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}

	// 已有记录时保留快照与间隔，避免重新登录后丢失基线
	cred := &models.Credential{
		ChatID:       chatID,
		RefreshToken: req.RefreshToken,
		PollInterval: h.defaultInterval,
	}
	if existing, err := h.credRepo.Get(c.Request.Context(), chatID); err == nil {
		cred.PollInterval = existing.PollInterval
		cred.Snapshot = existing.Snapshot
	}

	if err := h.credRepo.Upsert(c.Request.Context(), cred); err != nil {
		h.logger.Error("Failed to save credential", zap.Error(err), zap.String("chat_id", chatID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save credential"})
		return
	}

	// 验证令牌真实可用
	token, err := h.authority.ForceRefresh(c.Request.Context(), chatID)
	if err == nil {
		_, err = h.teslaClient.GetOrders(c.Request.Context(), token)
	}
	if err != nil {
		// 登录失败清理脏数据
		if delErr := h.credRepo.Delete(c.Request.Context(), chatID); delErr != nil {
			h.logger.Error("Failed to clean up credential", zap.Error(delErr), zap.String("chat_id", chatID))
		}
		h.logger.Warn("Login validation failed", zap.Error(err), zap.String("chat_id", chatID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	h.sched.Register(chatID, cred.PollInterval)

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"interval": cred.PollInterval.String(),
	})
}

// Logout 取消轮询并删除用户数据
func (h *Handler) Logout(c *gin.Context) {
	chatID := c.Param("chat_id")

	h.sched.Unregister(chatID)

	if err := h.credRepo.Delete(c.Request.Context(), chatID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not logged in"})
			return
		}
		h.logger.Error("Failed to delete credential", zap.Error(err), zap.String("chat_id", chatID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete credential"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CheckNow 立即触发一次轮询
func (h *Handler) CheckNow(c *gin.Context) {
	chatID := c.Param("chat_id")

	if err := h.sched.CheckNow(chatID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "scheduled"})
}

// SetInterval 设置轮询间隔
func (h *Handler) SetInterval(c *gin.Context) {
	chatID := c.Param("chat_id")

	var req struct {
		Minutes int `json:"minutes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minutes is required"})
		return
	}

	interval := time.Duration(req.Minutes) * time.Minute
	if interval < h.minInterval {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval below minimum " + h.minInterval.String()})
		return
	}

	if err := h.credRepo.SetInterval(c.Request.Context(), chatID, interval); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not logged in"})
			return
		}
		h.logger.Error("Failed to set interval", zap.Error(err), zap.String("chat_id", chatID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set interval"})
		return
	}

	if err := h.sched.SetInterval(chatID, interval); err != nil {
		h.logger.Warn("Interval saved but no active task", zap.String("chat_id", chatID))
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "interval": interval.String()})
}

// Resume 恢复被暂停的任务
func (h *Handler) Resume(c *gin.Context) {
	chatID := c.Param("chat_id")

	if err := h.sched.Resume(chatID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetStatus 返回会话状态与最近一次快照时间
func (h *Handler) GetStatus(c *gin.Context) {
	chatID := c.Param("chat_id")

	cred, err := h.credRepo.Get(c.Request.Context(), chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not logged in"})
			return
		}
		h.logger.Error("Failed to get credential", zap.Error(err), zap.String("chat_id", chatID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load status"})
		return
	}

	resp := gin.H{
		"chat_id":      chatID,
		"auth_invalid": cred.AuthInvalid,
		"interval":     cred.PollInterval.String(),
		"order_count":  len(cred.Snapshot),
		"last_updated": cred.UpdatedAt,
		"subscribers":  h.wsHub.SubscriberCount(chatID),
	}

	if status, ok := h.sched.Status(chatID); ok {
		resp["session_state"] = status.State
		resp["next_fire"] = status.NextFire
	} else {
		resp["session_state"] = "terminated"
	}

	c.JSON(http.StatusOK, resp)
}

// decodedOrder 解码后的订单视图
type decodedOrder struct {
	models.OrderSnapshot
	VINIntel      string   `json:"vin_intel,omitempty"`
	OptionsHuman  []string `json:"options_decoded,omitempty"`
	ImageURL      string   `json:"image_url,omitempty"`
}

// GetOrders 返回最近快照的解码视图
func (h *Handler) GetOrders(c *gin.Context) {
	chatID := c.Param("chat_id")

	cred, err := h.credRepo.Get(c.Request.Context(), chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not logged in"})
			return
		}
		h.logger.Error("Failed to get credential", zap.Error(err), zap.String("chat_id", chatID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load orders"})
		return
	}

	refs := make([]string, 0, len(cred.Snapshot))
	for rn := range cred.Snapshot {
		refs = append(refs, rn)
	}
	sort.Strings(refs)

	orders := make([]decodedOrder, 0, len(refs))
	for _, rn := range refs {
		order := cred.Snapshot[rn]
		decoded := decodedOrder{
			OrderSnapshot: order,
			OptionsHuman:  decoder.DecodeOptions(order.OptionCodes),
			ImageURL:      decoder.ImageURL(order.OptionCodes, order.ModelCode),
		}
		if intel, ok := decoder.DecodeVIN(order.VIN); ok {
			decoded.VINIntel = intel.String()
		}
		orders = append(orders, decoded)
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}
