package decision

import "strings"

// Classifier maps free text to a decision code.
//
// Classification is best effort: free text is lossy and a Classifier may
// return false for text it cannot place. Callers supply their own default.
type Classifier interface {
	Classify(text string) (Code, bool)
}

// Rule matches text that contains every AllOf substring and, when AnyOf is
// set, at least one AnyOf substring. Matching is case-insensitive.
type Rule struct {
	Code  Code
	AllOf []string
	AnyOf []string
}

func (r Rule) matches(lower string) bool {
	for _, s := range r.AllOf {
		if !strings.Contains(lower, s) {
			return false
		}
	}
	if len(r.AnyOf) == 0 {
		return len(r.AllOf) > 0
	}
	for _, s := range r.AnyOf {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RuleClassifier applies rules in order; the first match wins. Text that is
// already a code name is returned as is.
type RuleClassifier struct {
	rules []Rule
}

var _ Classifier = (*RuleClassifier)(nil)

// NewRuleClassifier creates a classifier over rules.
func NewRuleClassifier(rules ...Rule) *RuleClassifier {
	return &RuleClassifier{rules: rules}
}

// Classify implements Classifier.
func (c *RuleClassifier) Classify(text string) (Code, bool) {
	if code, ok := ParseCode(text); ok {
		return code, true
	}
	lower := strings.ToLower(text)
	for _, r := range c.rules {
		if r.matches(lower) {
			return r.Code, true
		}
	}
	return "", false
}

// DefaultRules is the ordered rule set for platform decisions.
func DefaultRules() []Rule {
	return []Rule{
		{Code: RebalanceShardLoad, AllOf: []string{"shard"}, AnyOf: []string{"rebalanc", "redistribut", "balance load", "move load"}},
		{Code: ScaleShards, AllOf: []string{"shard"}, AnyOf: []string{"scale", "add shard", "split", "merge", "increase shard", "reduce shard"}},
		{Code: OptimizeBlockTime, AllOf: []string{"block"}, AnyOf: []string{"time", "interval"}},
		{Code: OptimizeTPS, AnyOf: []string{"tps", "throughput", "transactions per second"}},
		{Code: RescheduleValidators, AllOf: []string{"validator"}, AnyOf: []string{"reschedul", "schedul", "weight", "rotat"}},
		{Code: PrevalidateGovernance, AnyOf: []string{"proposal", "governance", "prevalidat"}},
		{Code: SecurityAlert, AnyOf: []string{"security", "attack", "fraud", "suspicious"}},
		{Code: IncreaseMonitoring, AnyOf: []string{"monitor", "investigat", "observe"}},
		{Code: MaintainCurrentState, AnyOf: []string{"maintain", "no action", "no change", "hold", "keep current", "stable"}},
	}
}

// DefaultClassifier uses DefaultRules.
var DefaultClassifier = NewRuleClassifier(DefaultRules()...)
