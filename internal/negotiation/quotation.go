package negotiation

import (
	"strings"
	"time"

	"procurement-service/internal/apperr"
	"procurement-service/internal/models"

	"github.com/shopspring/decimal"
)

// PrepareQuotation validates a submitted quotation and fills derived fields:
// line totals, the itemized amount, currency and the pending status.
func PrepareQuotation(q *models.Quotation, defaultCurrency string, now time.Time) error {
	if q == nil {
		return apperr.Validation("quotation is required")
	}

	if len(q.Items) > 0 {
		sum := decimal.Zero
		for i := range q.Items {
			item := &q.Items[i]
			if strings.TrimSpace(item.Name) == "" {
				return apperr.Validation("item %d: name is required", i)
			}
			if !item.Quantity.IsPositive() {
				return apperr.Validation("item %d: quantity must be positive", i)
			}
			if item.UnitPrice.IsNegative() {
				return apperr.Validation("item %d: unit price must not be negative", i)
			}
			item.Total = item.Quantity.Mul(item.UnitPrice)
			sum = sum.Add(item.Total)
		}
		if !q.Amount.IsZero() && !q.Amount.Equal(sum) {
			return apperr.Validation("amount %s does not match item total %s", q.Amount, sum)
		}
		q.Amount = sum
	}

	if !q.Amount.IsPositive() {
		return apperr.Validation("amount must be positive")
	}

	q.Currency = strings.ToUpper(strings.TrimSpace(q.Currency))
	if q.Currency == "" {
		q.Currency = defaultCurrency
	}
	if len(q.Currency) != 3 {
		return apperr.Validation("currency must be an ISO 4217 code, got %q", q.Currency)
	}

	if q.ValidUntil != nil && !q.ValidUntil.After(now) {
		return apperr.Validation("validUntil must be in the future")
	}

	q.Status = models.QuotationPending
	q.SupersededBy = ""
	q.Reason = ""
	q.DecidedAt = nil
	return nil
}
