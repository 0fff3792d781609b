package render

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/gridtiles/server/internal/dataset"
)

// normalizer maps block values onto [0, 1]. NaN passes through so the
// color stage can leave those pixels transparent. Implementations are
// total: any finite input yields a value in [0, 1].
type normalizer interface {
	apply(v float64) float64
}

type linearNorm struct{ lo, hi float64 }

func (n linearNorm) apply(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	if n.hi <= n.lo {
		return 0.5
	}
	return clamp01((v - n.lo) / (n.hi - n.lo))
}

// logNorm compresses against a shifted logarithm so inputs at or below
// the lower bound stay defined.
type logNorm struct{ lo, hi float64 }

func (n logNorm) apply(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	span := n.hi - n.lo
	if span <= 0 {
		return 0.5
	}
	u := v - n.lo
	if u < 0 {
		u = 0
	} else if u > span {
		u = span
	}
	return math.Log1p(u) / math.Log1p(span)
}

type powerNorm struct{ lo, hi, gamma float64 }

func (n powerNorm) apply(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	if n.hi <= n.lo {
		return 0.5
	}
	return math.Pow(clamp01((v-n.lo)/(n.hi-n.lo)), n.gamma)
}

func clamp01(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// normParamKeys lists the accepted parameter names per normalization.
var normParamKeys = map[string][]string{
	"linear": {"vmax", "vmin"},
	"log":    {"vmax", "vmin"},
	"power":  {"gamma", "vmax", "vmin"},
}

// validateNormConfig checks the normalization name and its parameter keys
// at construction, before any block is seen.
func validateNormConfig(name string, params map[string]Param) (string, error) {
	if name == "" {
		name = "linear"
	}
	keys, ok := normParamKeys[name]
	if !ok {
		names := make([]string, 0, len(normParamKeys))
		for n := range normParamKeys {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", fmt.Errorf("unknown normalization %q (supported: %s)", name, strings.Join(names, ", "))
	}
	for key := range params {
		found := false
		for _, k := range keys {
			if k == key {
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("normalization %q does not accept parameter %q (accepted: %s)",
				name, key, strings.Join(keys, ", "))
		}
	}
	return name, nil
}

// newNormalizer resolves the parameters against the render input and
// builds the normalizer. Missing bounds fall back to the block's finite
// extremes.
func newNormalizer(name string, params map[string]Param, arr *dataset.Array) normalizer {
	lo, hasLo := resolveParam(params, "vmin", arr)
	hi, hasHi := resolveParam(params, "vmax", arr)
	if !hasLo || !hasHi {
		min, max := finiteBounds(arr.Data)
		if !hasLo {
			lo = min
		}
		if !hasHi {
			hi = max
		}
	}
	switch name {
	case "log":
		return logNorm{lo: lo, hi: hi}
	case "power":
		gamma, ok := resolveParam(params, "gamma", arr)
		if !ok {
			gamma = 1
		}
		return powerNorm{lo: lo, hi: hi, gamma: gamma}
	}
	return linearNorm{lo: lo, hi: hi}
}

func resolveParam(params map[string]Param, key string, arr *dataset.Array) (float64, bool) {
	p, ok := params[key]
	if !ok {
		return 0, false
	}
	return p.resolve(arr), true
}

func finiteBounds(vals []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo > hi {
		return 0, 1
	}
	return lo, hi
}
