package notify

import (
	"fmt"
	"strings"

	"github.com/langchou/ordergazer/internal/decoder"
	"github.com/langchou/ordergazer/internal/models"
)

// FormatChanges 将变化列表渲染为可读文本
func FormatChanges(changes []models.Change) string {
	var lines []string
	for _, change := range changes {
		lines = append(lines, formatChange(change))
	}
	return strings.Join(lines, "\n")
}

func formatChange(change models.Change) string {
	rn := change.ReferenceNumber

	switch change.Kind {
	case models.ChangeOrderAdded:
		line := fmt.Sprintf("New order %s", rn)
		if change.Order != nil && change.Order.VIN != "" {
			line += vinSuffix(change.Order.VIN)
		}
		return line
	case models.ChangeOrderRemoved:
		return fmt.Sprintf("Order %s is no longer listed", rn)
	case models.ChangeVINAssigned:
		return fmt.Sprintf("Order %s: VIN assigned %s%s", rn, change.New, vinSuffix(change.New))
	case models.ChangeVINChanged:
		return fmt.Sprintf("Order %s: VIN changed %s -> %s%s", rn, change.Old, change.New, vinSuffix(change.New))
	case models.ChangeDeliveryWindow:
		return fmt.Sprintf("Order %s: delivery window %q -> %q", rn, change.Old, change.New)
	case models.ChangeOrderStatus:
		return fmt.Sprintf("Order %s: status %s -> %s", rn, change.Old, change.New)
	case models.ChangeBlockingTasks:
		if change.New == "" {
			return fmt.Sprintf("Order %s: no action required anymore", rn)
		}
		return fmt.Sprintf("Order %s: action required: %s", rn, change.New)
	default:
		return fmt.Sprintf("Order %s: %s", rn, change.Kind)
	}
}

func vinSuffix(vin string) string {
	intel, ok := decoder.DecodeVIN(vin)
	if !ok {
		return ""
	}
	return fmt.Sprintf(" (%s)", intel)
}

// FormatError 失败类别的用户可读说明
func FormatError(kind models.ErrorKind) string {
	switch kind {
	case models.ErrorAuthInvalid:
		return "Your Tesla token was rejected and polling has stopped. Please /login again with a fresh refresh token."
	case models.ErrorBlocked:
		return "Tesla is blocking requests from this client. Polling is paused until the operator resumes it."
	case models.ErrorPermanent:
		return "Tesla returned an unrecoverable error. Polling is paused until the operator resumes it."
	case models.ErrorStoreFailed:
		return "Failed to save your order state. Polling is paused to avoid losing updates."
	default:
		return string(kind)
	}
}
