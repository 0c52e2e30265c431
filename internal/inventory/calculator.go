// Package inventory derives availability rows (for-loan, for-pledge,
// long/short sell, locate, overborrow) from the position and contract state
// of a security.
//
// The calculator keeps a per-security read model fed by applied events
// (PositionChanged, ContractOpened/Closed) and recomputes the six
// availability rows for a security whenever an input changes. The base
// calculation is a deterministic fold over positions and contracts;
// market-specific adjustments (Taiwan borrowed-share exclusion, Japan
// settlement cutoff and quanto handling) are applied afterwards by an
// ordered, copy-on-write rule list selected by the security's market.
package inventory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ims-engine/pkg/types"
)

// MarketResolver maps a security to its market code. Backed by the security
// master; an empty market selects the default rule list.
type MarketResolver interface {
	Market(id types.SecurityID) types.Market
}

// Calculator owns the inventory read model and the rule sets.
type Calculator struct {
	logger  *slog.Logger
	markets MarketResolver

	mu        sync.RWMutex
	positions map[types.SecurityID]map[types.PositionKey]types.Position
	contracts map[types.SecurityID]map[string]types.Contract
	// locateReserved is the open locate reservation total per security; it
	// nets out of LOCATE and feeds LONG_SELL/SHORT_SELL.
	locateReserved map[types.SecurityID]decimal.Decimal
	// sellReserved tracks approved sell reservations per security and order
	// type, net of releases.
	longSellReserved  map[types.SecurityID]decimal.Decimal
	shortSellReserved map[types.SecurityID]decimal.Decimal
	versions          map[types.SecurityID]uint64

	rules *RuleTable
}

// NewCalculator builds a calculator with the given market rule table.
func NewCalculator(markets MarketResolver, rules *RuleTable, logger *slog.Logger) *Calculator {
	return &Calculator{
		logger:            logger.With("component", "inventory"),
		markets:           markets,
		positions:         make(map[types.SecurityID]map[types.PositionKey]types.Position),
		contracts:         make(map[types.SecurityID]map[string]types.Contract),
		locateReserved:    make(map[types.SecurityID]decimal.Decimal),
		longSellReserved:  make(map[types.SecurityID]decimal.Decimal),
		shortSellReserved: make(map[types.SecurityID]decimal.Decimal),
		versions:          make(map[types.SecurityID]uint64),
		rules:             rules,
	}
}

// OnPositionChanged updates the read model with an applied position.
func (c *Calculator) OnPositionChanged(p types.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bySec := c.positions[p.Key.Security]
	if bySec == nil {
		bySec = make(map[types.PositionKey]types.Position)
		c.positions[p.Key.Security] = bySec
	}
	bySec[p.Key] = p
}

// OnContractOpened registers a financing contract.
func (c *Calculator) OnContractOpened(ct types.Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bySec := c.contracts[ct.Security]
	if bySec == nil {
		bySec = make(map[string]types.Contract)
		c.contracts[ct.Security] = bySec
	}
	bySec[ct.ContractID] = ct
}

// OnContractClosed retires a contract. Unknown ids are ignored (close can
// arrive before open across sources; the dedup layer bounds the damage).
func (c *Calculator) OnContractClosed(security types.SecurityID, contractID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.contracts[security], contractID)
}

// ReserveLocate records an approved locate reservation against the
// security's LOCATE availability.
func (c *Calculator) ReserveLocate(security types.SecurityID, qty decimal.Decimal) {
	c.addReserved(c.locateReserved, security, qty)
}

// ReleaseLocate reverses a locate reservation (expiry or manual release).
func (c *Calculator) ReleaseLocate(security types.SecurityID, qty decimal.Decimal) {
	c.addReserved(c.locateReserved, security, qty.Neg())
}

// ReserveSell records an approved sell order's quantity against the
// security's sell availability.
func (c *Calculator) ReserveSell(security types.SecurityID, orderType types.OrderType, qty decimal.Decimal) {
	switch orderType {
	case types.OrderLongSell:
		c.addReserved(c.longSellReserved, security, qty)
	case types.OrderShortSell:
		c.addReserved(c.shortSellReserved, security, qty)
	}
}

// ReleaseSell reverses a sell reservation.
func (c *Calculator) ReleaseSell(security types.SecurityID, orderType types.OrderType, qty decimal.Decimal) {
	c.ReserveSell(security, orderType, qty.Neg())
}

func (c *Calculator) addReserved(m map[types.SecurityID]decimal.Decimal, security types.SecurityID, qty decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := m[security].Add(qty)
	if next.IsNegative() {
		// Release beyond reserve; clamp and flag, never go negative.
		c.logger.Warn("reservation released below zero, clamped", "security", security)
		next = decimal.Zero
	}
	m[security] = next
}

// LocateAvailable returns the current LOCATE availability for a security,
// for the locate workflow's auto-approval check.
func (c *Calculator) LocateAvailable(security types.SecurityID, date types.BusinessDate, now time.Time) decimal.Decimal {
	for _, av := range c.Compute(security, date, now) {
		if av.Type == types.CalcLocate {
			return av.Quantity
		}
	}
	return decimal.Zero
}

// Compute derives all six availability rows for a security at a date. Pure
// with respect to the read model; callers publish the rows as
// InventoryChanged events.
func (c *Calculator) Compute(security types.SecurityID, date types.BusinessDate, now time.Time) []types.Availability {
	c.mu.Lock()
	c.versions[security]++
	version := c.versions[security]
	in := c.gatherLocked(security, date)
	c.mu.Unlock()

	market := c.markets.Market(security)
	rctx := &Context{
		Market:   market,
		Security: security,
		Date:     date,
		Now:      now,
		Inputs:   in,
	}

	rows := make([]types.Availability, 0, 6)
	for _, calc := range []types.CalculationType{
		types.CalcForLoan, types.CalcForPledge, types.CalcLongSell,
		types.CalcShortSell, types.CalcLocate, types.CalcOverborrow,
	} {
		av := c.base(calc, security, date, in)
		av = c.rules.Apply(market, av, rctx)
		if av.Quantity.IsNegative() {
			av.Quantity = decimal.Zero
		}
		av.Version = version
		av.CalculatedAt = now
		rows = append(rows, av)
	}
	return rows
}

// inputs is the folded view of one security's positions and contracts.
type inputs struct {
	SettledLongHypothecatable decimal.Decimal
	SettledLongUnreserved     decimal.Decimal
	SettledLong               decimal.Decimal
	SettledShort              decimal.Decimal // magnitude of short settled positions

	Borrow        decimal.Decimal
	Loan          decimal.Decimal
	RepoPledge    decimal.Decimal
	FinancingSwap decimal.Decimal
	PayToHold decimal.Decimal
	// SLABLendingOut is lending delivered before the calculation date;
	// SLABLendingToday settles on it and only leaves availability at the
	// market cutoff where a rule says so.
	SLABLendingOut   decimal.Decimal
	SLABLendingToday decimal.Decimal
	External         decimal.Decimal
	QuantoSd0        decimal.Decimal // sd0 receipts of quanto contracts' security

	LocateReserved    decimal.Decimal
	LongSellReserved  decimal.Decimal
	ShortSellReserved decimal.Decimal
}

func (c *Calculator) gatherLocked(security types.SecurityID, date types.BusinessDate) inputs {
	var in inputs
	for _, p := range c.positions[security] {
		settled := p.SettledQty
		if settled.IsPositive() {
			in.SettledLong = in.SettledLong.Add(settled)
			if p.Hypothecatable {
				in.SettledLongHypothecatable = in.SettledLongHypothecatable.Add(settled)
			}
			if !p.Reserved {
				in.SettledLongUnreserved = in.SettledLongUnreserved.Add(settled)
			}
		} else if settled.IsNegative() {
			in.SettledShort = in.SettledShort.Add(settled.Neg())
		}
	}
	for _, ct := range c.contracts[security] {
		switch ct.Kind {
		case types.ContractBorrow:
			in.Borrow = in.Borrow.Add(ct.Quantity)
		case types.ContractLoan:
			in.Loan = in.Loan.Add(ct.Quantity)
		case types.ContractRepoPledge:
			in.RepoPledge = in.RepoPledge.Add(ct.Quantity)
		case types.ContractFinancingSwap:
			in.FinancingSwap = in.FinancingSwap.Add(ct.Quantity)
		case types.ContractPayToHold:
			in.PayToHold = in.PayToHold.Add(ct.Quantity)
		case types.ContractSLABLending:
			if ct.OpenDate == date {
				in.SLABLendingToday = in.SLABLendingToday.Add(ct.Quantity)
			} else {
				in.SLABLendingOut = in.SLABLendingOut.Add(ct.Quantity)
			}
		case types.ContractExternalAvail:
			in.External = in.External.Add(ct.Quantity)
		}
		if ct.Quanto {
			in.QuantoSd0 = in.QuantoSd0.Add(ct.Quantity)
		}
	}
	in.LocateReserved = c.locateReserved[security]
	in.LongSellReserved = c.longSellReserved[security]
	in.ShortSellReserved = c.shortSellReserved[security]
	return in
}

// base computes the market-neutral availability for one calculation type.
func (c *Calculator) base(calc types.CalculationType, security types.SecurityID, date types.BusinessDate, in inputs) types.Availability {
	av := types.Availability{Security: security, Date: date, Type: calc}

	switch calc {
	case types.CalcForLoan:
		av.Included = in.SettledLongHypothecatable.
			Add(in.RepoPledge).
			Add(in.FinancingSwap).
			Add(in.External)
		av.Excluded = in.SLABLendingOut.
			Add(in.PayToHold).
			Add(in.SettledLong.Sub(in.SettledLongUnreserved))

	case types.CalcForPledge:
		av.Included = in.SettledLongUnreserved
		av.Excluded = in.RepoPledge

	case types.CalcLongSell:
		av.Included = in.SettledLong.Add(in.LocateReserved)
		av.Excluded = in.LongSellReserved

	case types.CalcShortSell:
		av.Included = in.LocateReserved.Add(in.PayToHold)
		av.Excluded = in.ShortSellReserved

	case types.CalcLocate:
		av.Included = in.SettledLongHypothecatable.
			Add(in.Borrow).
			Add(in.External)
		av.Excluded = in.LocateReserved

	case types.CalcOverborrow:
		// Borrows held beyond what open shorts require.
		av.Included = in.Borrow
		av.Excluded = in.SettledShort
	}

	av.Quantity = av.Included.Sub(av.Excluded)
	return av
}
