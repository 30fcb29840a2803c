package dashboard

import (
	"math"
	"strconv"
	"strings"
)

// Transformation names recognized by ApplyTransformation. Anything else
// passes through unchanged.
const (
	TransformPercentage   = "percentage"
	TransformMilliseconds = "milliseconds"
	TransformRound        = "round"
)

// ExtractFieldValue walks a dot-separated path through nested maps. It is a
// total function: any missing segment, nil payload, or non-map intermediate
// value yields (nil, false) rather than an error.
func ExtractFieldValue(payload map[string]any, dotPath string) (any, bool) {
	dotPath = strings.TrimSpace(dotPath)
	if payload == nil || dotPath == "" {
		return nil, false
	}
	var current any = payload
	for _, segment := range strings.Split(dotPath, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok := node[segment]
		if !ok {
			return nil, false
		}
		current = value
	}
	return current, true
}

// ApplyTransformation applies a named numeric transformation. The percentage
// transform expects a 0..1 fraction and scales it to a rounded whole
// percentage. Unrecognized names pass the value through untouched, including
// non-numeric values. Unparsable input under a numeric transform becomes NaN,
// which flows through; fallback-to-form is the intended mitigation for bad
// source data, not this function.
func ApplyTransformation(value any, name string) any {
	switch strings.TrimSpace(name) {
	case TransformPercentage:
		return math.Round(coerceFloat(value) * 100)
	case TransformMilliseconds, TransformRound:
		return math.Round(coerceFloat(value))
	default:
		return value
	}
}

func coerceFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint64:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return math.NaN()
		}
		return parsed
	case nil:
		return math.NaN()
	default:
		return math.NaN()
	}
}
