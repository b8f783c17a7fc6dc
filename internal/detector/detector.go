// Package detector 比较前后两次订单快照，产生有序的变化列表
// 纯函数实现，相同输入必得相同输出
package detector

import (
	"sort"
	"strings"

	"github.com/langchou/ordergazer/internal/models"
)

// Diff 比较前后两次快照
// prev 为 nil 表示首次抓取，只建立基线不产生任何变化
func Diff(prev, curr models.OrdersSnapshot) []models.Change {
	if prev == nil {
		return nil
	}

	var changes []models.Change

	for _, rn := range sortedKeys(curr) {
		currOrder := curr[rn]
		prevOrder, existed := prev[rn]
		if !existed {
			order := currOrder
			changes = append(changes, models.Change{
				Kind:            models.ChangeOrderAdded,
				ReferenceNumber: rn,
				Order:           &order,
			})
			continue
		}
		changes = append(changes, diffOrder(prevOrder, currOrder)...)
	}

	// 消失的订单（取消或交付完成后下架）
	for _, rn := range sortedKeys(prev) {
		if _, exists := curr[rn]; !exists {
			changes = append(changes, models.Change{
				Kind:            models.ChangeOrderRemoved,
				ReferenceNumber: rn,
			})
		}
	}

	return changes
}

// diffOrder 逐字段比较单个订单，字段顺序固定
func diffOrder(prev, curr models.OrderSnapshot) []models.Change {
	var changes []models.Change
	rn := curr.ReferenceNumber

	if prev.VIN != curr.VIN {
		kind := models.ChangeVINChanged
		if prev.VIN == "" {
			kind = models.ChangeVINAssigned
		}
		changes = append(changes, models.Change{
			Kind:            kind,
			ReferenceNumber: rn,
			Old:             prev.VIN,
			New:             curr.VIN,
		})
	}

	if prev.DeliveryWindow != curr.DeliveryWindow {
		changes = append(changes, models.Change{
			Kind:            models.ChangeDeliveryWindow,
			ReferenceNumber: rn,
			Old:             prev.DeliveryWindow,
			New:             curr.DeliveryWindow,
		})
	}

	if prev.OrderStatus != curr.OrderStatus {
		changes = append(changes, models.Change{
			Kind:            models.ChangeOrderStatus,
			ReferenceNumber: rn,
			Old:             prev.OrderStatus,
			New:             curr.OrderStatus,
		})
	}

	if prevTasks, currTasks := joinSorted(prev.BlockingTasks), joinSorted(curr.BlockingTasks); prevTasks != currTasks {
		changes = append(changes, models.Change{
			Kind:            models.ChangeBlockingTasks,
			ReferenceNumber: rn,
			Old:             prevTasks,
			New:             currTasks,
		})
	}

	return changes
}

func sortedKeys(snapshot models.OrdersSnapshot) []string {
	keys := make([]string, 0, len(snapshot))
	for rn := range snapshot {
		keys = append(keys, rn)
	}
	sort.Strings(keys)
	return keys
}

func joinSorted(items []string) string {
	if len(items) == 0 {
		return ""
	}
	sorted := make([]string, len(items))
	copy(sorted, items)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}
