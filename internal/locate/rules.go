// rules.go is the locate decision rule engine.
//
// Rules are data: an ordered catalog loaded from YAML, evaluated highest
// priority first. A rule participates only while ACTIVE and inside its
// effective window; the first matching rule's action decides, and a terminal
// action stops evaluation. Conditions are pure predicates over the request
// context (quantity, available inventory, client, locate type) — no I/O.
// The catalog is copy-on-write: a reload publishes a new immutable list.
package locate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ims-engine/pkg/types"
)

// RuleContext carries the inputs a condition may consult.
type RuleContext struct {
	Market     types.Market
	Security   types.SecurityID
	Client     types.ClientID
	LocateType string
	Quantity   decimal.Decimal
	Available  decimal.Decimal
	Now        time.Time
}

// Condition is the predicate part of a rule. Zero-valued fields do not
// constrain; all set fields must hold. MaxQuantity is a decimal string.
type Condition struct {
	MaxQuantity       string   `yaml:"max_quantity"`
	MinInventoryRatio float64  `yaml:"min_inventory_ratio"`
	LocateTypes       []string `yaml:"locate_types"`
	Clients           []string `yaml:"clients"`
}

// matches evaluates the condition. A malformed constraint makes the rule
// non-matching rather than failing the evaluation.
func (c *Condition) matches(rctx *RuleContext) bool {
	if c.MaxQuantity != "" {
		max, err := decimal.NewFromString(c.MaxQuantity)
		if err != nil || rctx.Quantity.GreaterThan(max) {
			return false
		}
	}
	if c.MinInventoryRatio > 0 {
		need := rctx.Quantity.Mul(decimal.NewFromFloat(c.MinInventoryRatio))
		if rctx.Available.LessThan(need) {
			return false
		}
	}
	if len(c.LocateTypes) > 0 && !contains(c.LocateTypes, rctx.LocateType) {
		return false
	}
	if len(c.Clients) > 0 && !contains(c.Clients, string(rctx.Client)) {
		return false
	}
	return true
}

// Action is what a matching rule does.
type Action struct {
	// Decision is APPROVE, REJECT, or MANUAL.
	Decision string `yaml:"decision"`
	Reason   string `yaml:"reason"`
	Terminal bool   `yaml:"terminal"`
	// ExpiryHours overrides the default reservation expiry on approval.
	ExpiryHours int `yaml:"expiry_hours"`
}

// Rule is one catalog entry.
type Rule struct {
	Name          string       `yaml:"name"`
	Market        types.Market `yaml:"market"`
	RuleType      string       `yaml:"rule_type"`
	Priority      int          `yaml:"priority"`
	Status        string       `yaml:"status"`
	EffectiveFrom time.Time    `yaml:"effective_from"`
	EffectiveTo   time.Time    `yaml:"effective_to"`
	Condition     Condition    `yaml:"condition"`
	Action        Action       `yaml:"action"`
}

func (r *Rule) active(now time.Time) bool {
	if r.Status != "ACTIVE" {
		return false
	}
	if !r.EffectiveFrom.IsZero() && now.Before(r.EffectiveFrom) {
		return false
	}
	if !r.EffectiveTo.IsZero() && now.After(r.EffectiveTo) {
		return false
	}
	return true
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Outcome is the rule engine's verdict for one request.
type Outcome struct {
	Decided     bool
	Approve     bool
	Reason      string
	ExpiryHours int
}

// Catalog is the copy-on-write rule list.
type Catalog struct {
	current atomic.Pointer[[]Rule]
}

// NewCatalog loads locate_rules.yaml from the rules directory; a missing
// file yields the given built-in defaults.
func NewCatalog(rulesDir string, defaults []Rule) (*Catalog, error) {
	rules := defaults
	if rulesDir != "" {
		loaded, err := loadRules(filepath.Join(rulesDir, "locate_rules.yaml"))
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			rules = loaded
		}
	}
	sortRules(rules)
	c := &Catalog{}
	c.current.Store(&rules)
	return c, nil
}

// Reload replaces the catalog from disk. The running workflow picks up the
// new list on the next evaluation.
func (c *Catalog) Reload(rulesDir string) error {
	loaded, err := loadRules(filepath.Join(rulesDir, "locate_rules.yaml"))
	if err != nil {
		return err
	}
	if loaded == nil {
		return fmt.Errorf("locate rules file missing in %s", rulesDir)
	}
	sortRules(loaded)
	c.current.Store(&loaded)
	return nil
}

func loadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read locate rules: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse locate rules: %w", err)
	}
	return f.Rules, nil
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
}

// Evaluate walks the catalog for the request's market. A rule whose market
// is empty applies to all markets. Returns Decided=false when no terminal
// rule matched, sending the request to manual review.
func (c *Catalog) Evaluate(rctx *RuleContext) Outcome {
	for _, r := range *c.current.Load() {
		if r.Market != "" && r.Market != rctx.Market {
			continue
		}
		if !r.active(rctx.Now) {
			continue
		}
		if !r.Condition.matches(rctx) {
			continue
		}
		switch r.Action.Decision {
		case "APPROVE":
			return Outcome{Decided: true, Approve: true, ExpiryHours: r.Action.ExpiryHours}
		case "REJECT":
			return Outcome{Decided: true, Approve: false, Reason: r.Action.Reason}
		case "MANUAL":
			return Outcome{}
		}
		if r.Action.Terminal {
			return Outcome{}
		}
	}
	return Outcome{}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
