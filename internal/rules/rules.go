// Package rules holds the pure business decision procedures shared by the
// onboarding steps: simulator-result classification, contract-type
// determination and profitability banding.
//
// Every procedure is total (defined for all inputs) and free of I/O, so
// instances configured with different thresholds can coexist in tests.
package rules

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/rendis/onboard/internal/process"
	"github.com/rendis/onboard/pkg/schema"
)

// Thresholds is the immutable profitability configuration.
type Thresholds struct {
	// Minimum is the lowest acceptable profitability ratio. Scores below it
	// band UNACCEPTABLE.
	Minimum float64
	// Target is the desired profitability ratio. Scores at or above it band
	// ACCEPTABLE.
	Target float64
}

// NewThresholds validates the Minimum ≤ Target invariant.
func NewThresholds(minimum, target float64) (Thresholds, error) {
	if minimum > target {
		return Thresholds{}, schema.NewErrorf(schema.ErrCodeValidation,
			"minimum profitability threshold %v exceeds target %v", minimum, target)
	}
	return Thresholds{Minimum: minimum, Target: target}, nil
}

// specificMarkers are the normalized simulator values that force the
// SPECIFIC classification.
var specificMarkers = map[string]struct{}{
	"SPECIFIC": {},
	"SPECIAL":  {},
	"CUSTOM":   {},
}

// ClassifySimulatorResult inspects, in priority order, the result,
// recommendation and tariffType fields of a raw simulator response and
// returns SPECIFIC when any of them signals non-standard conditions. The
// first field that matches short-circuits; absent fields fall through to
// the next rule. Anything else classifies STANDARD.
func ClassifySimulatorResult(resp map[string]any) schema.SimulatorClass {
	if s, ok := stringField(resp, "result"); ok {
		if _, hit := specificMarkers[strings.ToUpper(s)]; hit {
			return schema.SimulatorSpecific
		}
	}

	if s, ok := stringField(resp, "recommendation"); ok {
		lower := strings.ToLower(s)
		if strings.Contains(lower, "special") || strings.Contains(lower, "specific") || strings.Contains(lower, "custom") {
			return schema.SimulatorSpecific
		}
	}

	if s, ok := stringField(resp, "tariffType"); ok {
		if _, hit := specificMarkers[strings.ToUpper(s)]; hit {
			return schema.SimulatorSpecific
		}
	}

	return schema.SimulatorStandard
}

// DetermineContractType derives the contract type from the simulator class,
// the profitability band and the quote-modification flag. The triggers are
// OR-combined: any single one forces CUSTOM.
func DetermineContractType(sim schema.SimulatorClass, band schema.ProfitabilityBand, quoteModified bool) schema.ContractType {
	if sim == schema.SimulatorSpecific {
		return schema.ContractCustom
	}
	if band == schema.BandMarginal || band == schema.BandUnacceptable {
		return schema.ContractCustom
	}
	if quoteModified {
		return schema.ContractCustom
	}
	return schema.ContractStandard
}

// Band classifies a profitability score against the thresholds.
func (t Thresholds) Band(score float64) schema.ProfitabilityBand {
	switch {
	case score >= t.Target:
		return schema.BandAcceptable
	case score >= t.Minimum:
		return schema.BandMarginal
	default:
		return schema.BandUnacceptable
	}
}

// ScoreFromResponse extracts the profitabilityRatio field from a raw
// profitability response. A missing or non-numeric ratio defaults to the
// minimum threshold, which bands MARGINAL at best: degraded data must
// never classify ACCEPTABLE on its own.
func (t Thresholds) ScoreFromResponse(resp map[string]any) float64 {
	raw, ok := resp["profitabilityRatio"]
	if !ok {
		return t.Minimum
	}
	score, err := process.FromAny(raw).CoerceNumber()
	if err != nil {
		return t.Minimum
	}
	return score
}

// FallbackRatio computes the local substitute profitability score used when
// the profitability collaborator is unreachable:
//
//	(revenue - cost) / revenue   rounded half-up to 4 decimals, revenue > 0
//	0                            when revenue ≤ 0
//	Minimum threshold            when either input is absent or non-numeric
func (t Thresholds) FallbackRatio(revenue, cost process.Value) float64 {
	rev, errRev := revenue.CoerceNumber()
	cst, errCst := cost.CoerceNumber()
	if errRev != nil || errCst != nil {
		return t.Minimum
	}
	if rev <= 0 {
		return 0
	}
	ratio := new(big.Rat).Quo(new(big.Rat).Sub(decimalRat(rev), decimalRat(cst)), decimalRat(rev))
	return roundHalfUp(ratio, 4)
}

// decimalRat converts a float64 to a rational via its shortest decimal
// form, so 987.95 enters the arithmetic as exactly 98795/100 rather than
// the nearest binary fraction.
func decimalRat(v float64) *big.Rat {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return new(big.Rat).SetFloat64(v)
	}
	return r
}

// roundHalfUp rounds a rational to the given number of decimals with ties
// away from zero. The pricing rules are decimal arithmetic; a binary tie
// like 0.012049999... must still round as the decimal 0.01205 does.
func roundHalfUp(x *big.Rat, decimals int) float64 {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(x, new(big.Rat).SetInt(scale))

	q, r := new(big.Int).QuoRem(new(big.Int).Abs(scaled.Num()), scaled.Denom(), new(big.Int))
	if new(big.Int).Lsh(r, 1).Cmp(scaled.Denom()) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if scaled.Sign() < 0 {
		q.Neg(q)
	}
	out, _ := new(big.Rat).SetFrac(q, scale).Float64()
	return out
}

// stringField reads a response field as a string, stringifying scalar
// values the way loosely-typed upstream services tend to send them.
func stringField(m map[string]any, key string) (string, bool) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", false
	}
	switch s := raw.(type) {
	case string:
		return s, true
	default:
		v := process.FromAny(raw)
		if str, isStr := v.AsString(); isStr {
			return str, true
		}
		if f, isNum := v.AsNumber(); isNum {
			return strconv.FormatFloat(f, 'f', -1, 64), true
		}
		return "", false
	}
}
