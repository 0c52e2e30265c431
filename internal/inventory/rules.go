// rules.go is the market-rule plugin layer.
//
// A rule is a pure function (availability, context) → availability. Each
// market carries an ordered rule list; the table is copy-on-write, so a
// catalog reload publishes a new immutable map and in-flight computations
// finish on the version they started with.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"ims-engine/pkg/types"
)

// Context carries the evaluation inputs a rule may consult. Rules must not
// perform I/O.
type Context struct {
	Market   types.Market
	Security types.SecurityID
	Date     types.BusinessDate
	Now      time.Time
	Inputs   inputs
	Params   MarketParams
}

// Rule adjusts one availability row. Rules compose in list order.
type Rule func(av types.Availability, rctx *Context) types.Availability

// MarketParams are the per-market knobs loaded from the rule catalog.
type MarketParams struct {
	// CutoffHour is the local settlement cutoff (hours since midnight UTC)
	// after which same-day SLAB settlements leave availability. Zero means
	// no cutoff.
	CutoffHour int `yaml:"cutoff_hour"`
}

type marketRuleFile struct {
	Markets map[string]MarketParams `yaml:"markets"`
}

// RuleTable holds the per-market rule lists and their parameters.
type RuleTable struct {
	current atomic.Pointer[ruleSet]
}

type ruleSet struct {
	rules  map[types.Market][]Rule
	params map[types.Market]MarketParams
}

// NewRuleTable builds the table with the built-in market rules and
// parameters from the catalog directory (market_rules.yaml, optional).
func NewRuleTable(rulesDir string) (*RuleTable, error) {
	params := map[types.Market]MarketParams{
		types.MarketJapan: {CutoffHour: 6}, // 15:00 JST
	}
	if rulesDir != "" {
		loaded, err := loadMarketParams(filepath.Join(rulesDir, "market_rules.yaml"))
		if err != nil {
			return nil, err
		}
		for m, p := range loaded {
			params[m] = p
		}
	}

	t := &RuleTable{}
	t.current.Store(&ruleSet{
		rules: map[types.Market][]Rule{
			types.MarketTaiwan: {taiwanBorrowedExclusion},
			types.MarketJapan:  {japanSettlementCutoff, japanQuantoShift},
		},
		params: params,
	})
	return t, nil
}

func loadMarketParams(path string) (map[types.Market]MarketParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read market rules: %w", err)
	}
	var f marketRuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse market rules: %w", err)
	}
	out := make(map[types.Market]MarketParams, len(f.Markets))
	for m, p := range f.Markets {
		out[types.Market(m)] = p
	}
	return out, nil
}

// Apply runs the market's rule list over one availability row.
func (t *RuleTable) Apply(market types.Market, av types.Availability, rctx *Context) types.Availability {
	set := t.current.Load()
	rctx.Params = set.params[market]
	for _, rule := range set.rules[market] {
		av = rule(av, rctx)
	}
	return av
}

// Reload replaces the per-market parameters; the built-in rule lists stay.
func (t *RuleTable) Reload(rulesDir string) error {
	loaded, err := loadMarketParams(filepath.Join(rulesDir, "market_rules.yaml"))
	if err != nil {
		return err
	}
	old := t.current.Load()
	params := make(map[types.Market]MarketParams, len(old.params))
	for m, p := range old.params {
		params[m] = p
	}
	for m, p := range loaded {
		params[m] = p
	}
	t.current.Store(&ruleSet{rules: old.rules, params: params})
	return nil
}

// ————————————————————————————————————————————————————————————————
// Built-in market rules
// ————————————————————————————————————————————————————————————————

// taiwanBorrowedExclusion removes borrowed shares from for-loan availability.
func taiwanBorrowedExclusion(av types.Availability, rctx *Context) types.Availability {
	if av.Type != types.CalcForLoan {
		return av
	}
	av.Quantity = av.Quantity.Sub(rctx.Inputs.Borrow)
	av.Excluded = av.Excluded.Add(rctx.Inputs.Borrow)
	av.ExcludedBorrowedShares = true
	return av
}

// japanSettlementCutoff drops same-day SLAB settlements from availability
// after the market cutoff.
func japanSettlementCutoff(av types.Availability, rctx *Context) types.Availability {
	if av.Type != types.CalcForLoan && av.Type != types.CalcLocate {
		return av
	}
	if rctx.Params.CutoffHour == 0 {
		return av
	}
	cutoff := rctx.Date.Time().Add(time.Duration(rctx.Params.CutoffHour) * time.Hour)
	if rctx.Now.Before(cutoff) {
		return av
	}
	av.Quantity = av.Quantity.Sub(rctx.Inputs.SLABLendingToday)
	av.SettlementCutoffApplied = true
	return av
}

// japanQuantoShift moves quanto contributions off today's availability:
// cross-currency lines settle T+2, so their sd0 contribution is not
// deliverable today.
func japanQuantoShift(av types.Availability, rctx *Context) types.Availability {
	if av.Type != types.CalcForLoan && av.Type != types.CalcLocate {
		return av
	}
	if rctx.Inputs.QuantoSd0.IsZero() {
		return av
	}
	av.Quantity = av.Quantity.Sub(rctx.Inputs.QuantoSd0)
	av.QuantoSettlementHandled = true
	return av
}
