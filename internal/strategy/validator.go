package strategy

import (
	"perp-breakout/internal/diag"
)

// predicate is one named check. margin is the normalised distance past the
// threshold in [0,1]; it only matters when passed.
type predicate struct {
	name      string
	value     float64
	threshold float64
	passed    bool
	margin    float64
	reason    string
}

// geq builds a "value must reach threshold" predicate.
func geq(name string, value, threshold float64, failReason string) predicate {
	p := predicate{name: name, value: value, threshold: threshold, passed: value >= threshold}
	if !p.passed {
		p.reason = failReason
		return p
	}
	if threshold > 0 {
		p.margin = clamp01((value - threshold) / threshold)
	} else {
		p.margin = 1
	}
	return p
}

// leq builds a "value must stay under threshold" predicate.
func leq(name string, value, threshold float64, failReason string) predicate {
	p := predicate{name: name, value: value, threshold: threshold, passed: value <= threshold}
	if !p.passed {
		p.reason = failReason
		return p
	}
	if threshold > 0 {
		p.margin = clamp01((threshold - value) / threshold)
	} else {
		p.margin = 1
	}
	return p
}

// failed builds an unconditionally failed predicate.
func failed(name, reason string) predicate {
	return predicate{name: name, passed: false, reason: reason}
}

// validator records every predicate verdict to the diagnostics sink and
// folds the margins into a single [0,1] quality figure.
type validator struct {
	rec diag.Recorder
}

// evaluate records all predicates under stage "<strategy>:<name>" and
// returns whether they all passed plus the mean margin of the passed set.
func (v *validator) evaluate(symbol string, strat string, preds []predicate) (bool, float64) {
	all := true
	marginSum := 0.0
	for _, p := range preds {
		v.rec.Record(diag.Event{
			Component: "strategy",
			Stage:     strat + ":" + p.name,
			Symbol:    symbol,
			Payload:   map[string]any{"value": p.value, "threshold": p.threshold},
			Reason:    p.reason,
			Passed:    diag.Bool(p.passed),
		})
		if !p.passed {
			all = false
			continue
		}
		marginSum += p.margin
	}
	if !all || len(preds) == 0 {
		return false, 0
	}
	return true, marginSum / float64(len(preds))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
