package workflow

import (
	"jobboard/models"

	"github.com/shopspring/decimal"
)

// ImmediateReleaseRate - доля оплаты, выплачиваемая технику сразу после завершения
var ImmediateReleaseRate = decimal.RequireFromString("0.8")

// ComputeSplit делит сумму на немедленную выплату и гарантийное удержание.
// Удержание вычисляется как остаток, поэтому части всегда дают исходную сумму.
func ComputeSplit(amount int64) models.SplitPreview {
	immediate := decimal.NewFromInt(amount).Mul(ImmediateReleaseRate).Round(0).IntPart()
	return models.SplitPreview{
		ImmediateRelease: immediate,
		WarrantyHold:     amount - immediate,
	}
}
