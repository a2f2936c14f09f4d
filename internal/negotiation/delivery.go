package negotiation

import (
	"procurement-service/internal/apperr"
	"procurement-service/internal/models"
)

// rank orders the main delivery line. PartiallyDelivered has no rank of its own.
var rank = map[models.DeliveryStage]int{
	models.StageNotStarted:     0,
	models.StagePreparing:      1,
	models.StagePacked:         2,
	models.StageDispatched:     3,
	models.StageInTransit:      4,
	models.StageOutForDelivery: 5,
	models.StageDelivered:      6,
}

// ValidStage reports whether s is a known delivery stage.
func ValidStage(s models.DeliveryStage) bool {
	_, ok := rank[s]
	return ok || s == models.StagePartiallyDelivered
}

// CurrentStage treats an order without tracking as not started.
func CurrentStage(o *models.Order) models.DeliveryStage {
	if o.Delivery == nil {
		return models.StageNotStarted
	}
	return o.Delivery.Stage
}

// CanAdvance reports whether a vendor may move delivery from -> to.
// Staying on the same stage refreshes tracking details and is allowed until delivered.
func CanAdvance(from, to models.DeliveryStage) bool {
	if !ValidStage(from) || !ValidStage(to) {
		return false
	}
	if from == models.StageDelivered || to == models.StageNotStarted {
		return false
	}
	if to == models.StagePartiallyDelivered {
		return from == models.StagePartiallyDelivered || rank[from] >= rank[models.StageInTransit]
	}
	if from == models.StagePartiallyDelivered {
		return to == models.StageDelivered
	}
	return rank[to] >= rank[from]
}

// OrderStatusForStage is the order status implied by a delivery stage.
func OrderStatusForStage(stage models.DeliveryStage) models.OrderStatus {
	switch stage {
	case models.StageNotStarted:
		return models.OrderStatusAccepted
	case models.StageDelivered:
		return models.OrderStatusCompleted
	case models.StagePartiallyDelivered:
		return models.OrderStatusPartiallyDelivered
	}
	return models.OrderStatusInProgress
}

// CheckDeliveryUpdate guards updateDeliveryStatus.
func CheckDeliveryUpdate(o *models.Order, a models.Actor, stage models.DeliveryStage) error {
	if err := requireAssignedVendor(o, a, ActionUpdateDelivery); err != nil {
		return err
	}
	if !ValidStage(stage) {
		return apperr.Validation("unknown delivery stage %q", stage)
	}
	if !o.Status.IsFulfilling() {
		return invalid(o, ActionUpdateDelivery, "order is %s", o.Status)
	}
	if from := CurrentStage(o); !CanAdvance(from, stage) {
		return invalid(o, ActionUpdateDelivery, "cannot move delivery from %s to %s", from, stage)
	}
	return nil
}

// CanCorrect reports whether an admin may move delivery from -> to. A correction only
// goes back along the main line, or leaves partially_delivered for an in-transit
// or later stage. It never enters partially_delivered, delivered or not_started.
func CanCorrect(from, to models.DeliveryStage) bool {
	if !ValidStage(from) || !ValidStage(to) {
		return false
	}
	switch {
	case from == models.StageDelivered, to == models.StageDelivered:
		return false
	case to == models.StageNotStarted, to == models.StagePartiallyDelivered:
		return false
	case from == models.StagePartiallyDelivered:
		return rank[to] >= rank[models.StageInTransit]
	}
	return rank[to] < rank[from]
}

// CheckDeliveryCorrection guards correctDeliveryStage: an admin-only regression
// that never touches the delivered stage.
func CheckDeliveryCorrection(o *models.Order, a models.Actor, stage models.DeliveryStage) error {
	if err := requireBuyer(a, ActionCorrectDelivery); err != nil {
		return err
	}
	if !ValidStage(stage) {
		return apperr.Validation("unknown delivery stage %q", stage)
	}
	if !o.Status.IsFulfilling() {
		return invalid(o, ActionCorrectDelivery, "order is %s", o.Status)
	}
	if from := CurrentStage(o); !CanCorrect(from, stage) {
		return invalid(o, ActionCorrectDelivery, "cannot correct delivery from %s to %s", from, stage)
	}
	return nil
}
