package decision

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Parameters are the typed arguments of one decision code. Each executable
// code has its own variant; use ParseParameters to build a validated one.
type Parameters interface {
	Code() Code
}

// RebalanceParams moves load from overloaded to underloaded shards.
type RebalanceParams struct {
	// MaxMovePercent caps the per-shard change as a percent of mean load.
	MaxMovePercent float64 `json:"maxMovePercent" validate:"gt=0,lte=20"`
}

// ScaleParams changes the number of shards.
type ScaleParams struct {
	Direction string `json:"direction" validate:"oneof=up down"`
	Count     int    `json:"count" validate:"gte=1"`
}

// AdjustParams moves a numeric network parameter in one direction.
type AdjustParams struct {
	Direction string  `json:"direction" validate:"oneof=increase decrease"`
	Percent   float64 `json:"percent" validate:"gt=0,lte=10"`
	code      Code
}

// ValidatorParams weights the validator scoring blend.
type ValidatorParams struct {
	StakeWeight       float64 `json:"stakeWeight" validate:"gte=0,lte=1"`
	ReputationWeight  float64 `json:"reputationWeight" validate:"gte=0,lte=1"`
	PerformanceWeight float64 `json:"performanceWeight" validate:"gte=0,lte=1"`
}

// GovernanceParams prevalidates one proposal.
type GovernanceParams struct {
	ProposalID     string `json:"proposalId" validate:"required"`
	Recommendation string `json:"recommendation" validate:"oneof=approve reject"`
}

// NoParams is carried by codes without arguments.
type NoParams struct {
	code Code
}

func (RebalanceParams) Code() Code  { return RebalanceShardLoad }
func (ScaleParams) Code() Code      { return ScaleShards }
func (p AdjustParams) Code() Code   { return p.code }
func (ValidatorParams) Code() Code  { return RescheduleValidators }
func (GovernanceParams) Code() Code { return PrevalidateGovernance }
func (p NoParams) Code() Code       { return p.code }

// DefaultParameters returns the parameters used when a response carries none.
func DefaultParameters(code Code) Parameters {
	switch code {
	case RebalanceShardLoad:
		return RebalanceParams{MaxMovePercent: 20}
	case ScaleShards:
		return ScaleParams{Direction: "up", Count: 1}
	case OptimizeBlockTime:
		return AdjustParams{Direction: "decrease", Percent: 10, code: code}
	case OptimizeTPS:
		return AdjustParams{Direction: "increase", Percent: 10, code: code}
	case RescheduleValidators:
		return ValidatorParams{StakeWeight: 0.5, ReputationWeight: 0.3, PerformanceWeight: 0.2}
	case PrevalidateGovernance:
		return GovernanceParams{Recommendation: "approve"}
	default:
		return NoParams{code: code}
	}
}

// ParseParameters builds the variant for code from a loosely typed map,
// filling defaults, clamping requested magnitudes to their caps and
// validating the result. Direction and magnitude are read separately, so a
// negative magnitude never flips the requested direction. A zero magnitude
// is an error rather than a silent fallback to the defaults.
func ParseParameters(code Code, raw map[string]any) (Parameters, error) {
	if !code.Valid() {
		return nil, fmt.Errorf("unknown decision code %q", code)
	}

	var p Parameters
	switch def := DefaultParameters(code).(type) {
	case RebalanceParams:
		def.MaxMovePercent = clamp(number(raw, "maxMovePercent", def.MaxMovePercent), 0, 20)
		p = def
	case ScaleParams:
		def.Direction = direction(raw, def.Direction, "up", "down")
		def.Count = int(math.Abs(number(raw, "count", float64(def.Count))))
		p = def
	case AdjustParams:
		def.Direction = direction(raw, def.Direction, "increase", "decrease")
		def.Percent = clamp(math.Abs(number(raw, "percent", def.Percent)), 0, 10)
		p = def
	case ValidatorParams:
		def.StakeWeight = number(raw, "stakeWeight", def.StakeWeight)
		def.ReputationWeight = number(raw, "reputationWeight", def.ReputationWeight)
		def.PerformanceWeight = number(raw, "performanceWeight", def.PerformanceWeight)
		p = def
	case GovernanceParams:
		def.ProposalID = text(raw, "proposalId", def.ProposalID)
		rec := strings.ToLower(text(raw, "recommendation", def.Recommendation))
		if strings.HasPrefix(rec, "reject") {
			def.Recommendation = "reject"
		} else {
			def.Recommendation = "approve"
		}
		p = def
	default:
		return def, nil
	}

	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid %s parameters: %w", code, err)
	}
	return p, nil
}

func number(raw map[string]any, key string, def float64) float64 {
	switch v := raw[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64); err == nil {
			return f
		}
	}
	return def
}

func text(raw map[string]any, key, def string) string {
	switch v := raw[key].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return def
}

// direction reads "direction" and maps synonyms onto up or down.
func direction(raw map[string]any, def, up, down string) string {
	s := strings.ToLower(text(raw, "direction", ""))
	switch {
	case s == "":
		return def
	case strings.Contains(s, "up") || strings.Contains(s, "increase") || strings.Contains(s, "raise") || strings.Contains(s, "add"):
		return up
	case strings.Contains(s, "down") || strings.Contains(s, "decrease") || strings.Contains(s, "reduce") || strings.Contains(s, "lower"):
		return down
	default:
		return def
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
