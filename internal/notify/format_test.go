package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/langchou/ordergazer/internal/models"
)

func TestFormatChanges(t *testing.T) {
	changes := []models.Change{
		{Kind: models.ChangeVINAssigned, ReferenceNumber: "RN001", New: "LRW3E7FA1SC000001"},
		{Kind: models.ChangeDeliveryWindow, ReferenceNumber: "RN001", Old: "Pending", New: "Oct 10 - Oct 24"},
	}

	text := FormatChanges(changes)
	assert.Equal(t,
		"Order RN001: VIN assigned LRW3E7FA1SC000001 (Shanghai (2025))\n"+
			`Order RN001: delivery window "Pending" -> "Oct 10 - Oct 24"`,
		text)
}

func TestFormatChangeOrderAdded(t *testing.T) {
	change := models.Change{
		Kind:            models.ChangeOrderAdded,
		ReferenceNumber: "RN002",
		Order:           &models.OrderSnapshot{ReferenceNumber: "RN002", VIN: "5YJ3E7EA1PF000001"},
	}
	assert.Equal(t, "New order RN002 (Fremont (2023))", FormatChanges([]models.Change{change}))

	change.Order = nil
	assert.Equal(t, "New order RN002", FormatChanges([]models.Change{change}))
}

func TestFormatChangeBlockingTasks(t *testing.T) {
	change := models.Change{Kind: models.ChangeBlockingTasks, ReferenceNumber: "RN001", New: "Upload insurance"}
	assert.Equal(t, "Order RN001: action required: Upload insurance", formatChange(change))

	change.New = ""
	assert.Equal(t, "Order RN001: no action required anymore", formatChange(change))
}

func TestFormatError(t *testing.T) {
	assert.Contains(t, FormatError(models.ErrorAuthInvalid), "/login")
	assert.Contains(t, FormatError(models.ErrorBlocked), "paused")
	assert.NotEmpty(t, FormatError(models.ErrorStoreFailed))
}
