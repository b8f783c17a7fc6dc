// Package notify 将订单变化与失败事件推送给聊天层
package notify

import (
	"go.uber.org/zap"

	"github.com/langchou/ordergazer/internal/models"
	"github.com/langchou/ordergazer/pkg/ws"
)

// OrderUpdate 推送给聊天层的订单变化载荷
type OrderUpdate struct {
	ChatID  string          `json:"chat_id"`
	Changes []models.Change `json:"changes"`
	Text    string          `json:"text"`
}

// ErrorNotice 推送给聊天层的失败载荷
type ErrorNotice struct {
	ChatID string           `json:"chat_id"`
	Kind   models.ErrorKind `json:"kind"`
	Text   string           `json:"text"`
}

// HubNotifier 通过 WebSocket Hub 推送通知
type HubNotifier struct {
	logger *zap.Logger
	hub    *ws.Hub
}

// NewHubNotifier 创建通知器
func NewHubNotifier(logger *zap.Logger, hub *ws.Hub) *HubNotifier {
	return &HubNotifier{
		logger: logger,
		hub:    hub,
	}
}

// Notify 推送一批订单变化
func (n *HubNotifier) Notify(chatID string, changes []models.Change) {
	if len(changes) == 0 {
		return
	}

	update := OrderUpdate{
		ChatID:  chatID,
		Changes: changes,
		Text:    FormatChanges(changes),
	}

	n.hub.SendToChat(chatID, ws.MsgTypeOrderUpdate, update)
	n.logger.Info("Pushed order update",
		zap.String("chat_id", chatID),
		zap.Int("changes", len(changes)))
}

// NotifyError 推送用户可见的失败
func (n *HubNotifier) NotifyError(chatID string, kind models.ErrorKind) {
	notice := ErrorNotice{
		ChatID: chatID,
		Kind:   kind,
		Text:   FormatError(kind),
	}

	n.hub.SendToChat(chatID, ws.MsgTypeError, notice)
	n.logger.Warn("Pushed error notice",
		zap.String("chat_id", chatID),
		zap.String("kind", string(kind)))
}
