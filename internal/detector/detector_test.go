package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/ordergazer/internal/models"
)

func sampleSnapshot() models.OrdersSnapshot {
	return models.OrdersSnapshot{
		"RN001": {
			ReferenceNumber: "RN001",
			OrderStatus:     "BOOKED",
			ModelCode:       "my",
			VIN:             "",
			DeliveryWindow:  "Pending",
			OptionCodes:     []string{"$MTY41", "$PPSW"},
		},
		"RN002": {
			ReferenceNumber: "RN002",
			OrderStatus:     "BOOKED",
			ModelCode:       "m3",
			VIN:             "5YJ3E7EA1PF000001",
			DeliveryWindow:  "Oct 10 - Oct 24",
			BlockingTasks:   []string{"Upload insurance"},
		},
	}
}

func TestDiffBaseline(t *testing.T) {
	// 首次快照只建立基线
	assert.Empty(t, Diff(nil, sampleSnapshot()))
}

func TestDiffIdentical(t *testing.T) {
	s := sampleSnapshot()
	assert.Empty(t, Diff(s, s))
}

func TestDiffVINAssigned(t *testing.T) {
	prev := sampleSnapshot()
	curr := sampleSnapshot()
	order := curr["RN001"]
	order.VIN = "LRW3E7FA1PC000001"
	curr["RN001"] = order

	changes := Diff(prev, curr)
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeVINAssigned, changes[0].Kind)
	assert.Equal(t, "RN001", changes[0].ReferenceNumber)
	assert.Equal(t, "", changes[0].Old)
	assert.Equal(t, "LRW3E7FA1PC000001", changes[0].New)
}

func TestDiffVINChanged(t *testing.T) {
	prev := sampleSnapshot()
	curr := sampleSnapshot()
	order := curr["RN002"]
	order.VIN = "5YJ3E7EA1PF000002"
	curr["RN002"] = order

	changes := Diff(prev, curr)
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeVINChanged, changes[0].Kind)
	assert.Equal(t, "5YJ3E7EA1PF000001", changes[0].Old)
}

func TestDiffDeliveryWindowAndStatus(t *testing.T) {
	prev := sampleSnapshot()
	curr := sampleSnapshot()
	order := curr["RN002"]
	order.DeliveryWindow = "Nov 1 - Nov 15"
	order.OrderStatus = "DELIVERY_SCHEDULED"
	curr["RN002"] = order

	changes := Diff(prev, curr)
	require.Len(t, changes, 2)
	// 字段顺序固定：先交付窗口，后状态
	assert.Equal(t, models.ChangeDeliveryWindow, changes[0].Kind)
	assert.Equal(t, models.ChangeOrderStatus, changes[1].Kind)
}

func TestDiffBlockingTasksOrderInsensitive(t *testing.T) {
	prev := sampleSnapshot()
	curr := sampleSnapshot()
	order := curr["RN002"]
	order.BlockingTasks = []string{"Upload insurance"}
	curr["RN002"] = order

	// 内容相同只是副本，不应产生变化
	assert.Empty(t, Diff(prev, curr))

	order.BlockingTasks = []string{"Upload insurance", "Final payment"}
	curr["RN002"] = order
	changes := Diff(prev, curr)
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeBlockingTasks, changes[0].Kind)
	assert.Equal(t, "Final payment, Upload insurance", changes[0].New)
}

func TestDiffOrderAddedAndRemoved(t *testing.T) {
	prev := sampleSnapshot()
	curr := models.OrdersSnapshot{
		"RN001": prev["RN001"],
		"RN003": {
			ReferenceNumber: "RN003",
			OrderStatus:     "BOOKED",
			VIN:             "XP7YGCEK9PB000001",
		},
	}

	changes := Diff(prev, curr)
	require.Len(t, changes, 2)
	assert.Equal(t, models.ChangeOrderAdded, changes[0].Kind)
	assert.Equal(t, "RN003", changes[0].ReferenceNumber)
	require.NotNil(t, changes[0].Order)
	assert.Equal(t, models.ChangeOrderRemoved, changes[1].Kind)
	assert.Equal(t, "RN002", changes[1].ReferenceNumber)
}

func TestDiffDeterministic(t *testing.T) {
	prev := sampleSnapshot()
	curr := sampleSnapshot()
	for _, rn := range []string{"RN001", "RN002"} {
		order := curr[rn]
		order.OrderStatus = "CANCELLED"
		curr[rn] = order
	}

	first := Diff(prev, curr)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Diff(prev, curr))
	}
	require.Len(t, first, 2)
	assert.Equal(t, "RN001", first[0].ReferenceNumber)
	assert.Equal(t, "RN002", first[1].ReferenceNumber)
}
