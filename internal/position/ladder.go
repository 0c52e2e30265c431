// ladder.go computes the settlement-ladder projection for a position.
// The projection is a pure function of the Position tuple; it is recomputed
// on every change and never stored as authoritative state.
package position

import (
	"time"

	"ims-engine/pkg/types"
)

// Project derives the settlement projection from a position.
// Status mirrors the position: INVALID positions yield INVALID projections,
// STALE yields STALE, anything else is VALID as of now.
func Project(p *types.Position, now time.Time) types.Projection {
	today := p.Ladder[0].Receipt.Sub(p.Ladder[0].Deliver)

	totalReceipts := p.BeyondReceipt
	totalDeliveries := p.BeyondDeliver
	for _, r := range p.Ladder {
		totalReceipts = totalReceipts.Add(r.Receipt)
		totalDeliveries = totalDeliveries.Add(r.Deliver)
	}
	net := totalReceipts.Sub(totalDeliveries)

	status := types.CalcValid
	switch p.Status {
	case types.CalcInvalid:
		status = types.CalcInvalid
	case types.CalcStale:
		status = types.CalcStale
	case types.CalcError:
		status = types.CalcError
	}

	return types.Projection{
		Key:                p.Key,
		NetSettlementToday: today,
		NetSettlement:      net,
		ProjectedSettled:   p.SettledQty.Add(today),
		ProjectedPosition:  p.SettledQty.Add(net),
		TotalDeliveries:    totalDeliveries,
		TotalReceipts:      totalReceipts,
		Status:             status,
		Version:            p.Version,
		CalculatedAt:       now,
	}
}

// LadderNonNegative reports whether every rung magnitude is >= 0.
func LadderNonNegative(p *types.Position) bool {
	for _, r := range p.Ladder {
		if r.Receipt.IsNegative() || r.Deliver.IsNegative() {
			return false
		}
	}
	return !p.BeyondReceipt.IsNegative() && !p.BeyondDeliver.IsNegative()
}
