package utils

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Clamp constrains v to the range [minVal, maxVal].
func Clamp[T constraints.Ordered](v, minVal, maxVal T) T {
	if v < minVal {
		return minVal
	}
	if v > maxVal {
		return maxVal
	}
	return v
}

// Clamp01 constrains v to [0, 1], mapping non-finite input to 0.
func Clamp01(v float64) float64 {
	if !Finite(v) {
		return 0
	}
	return Clamp(v, 0.0, 1.0)
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FiniteOr returns v when it is finite and fallback otherwise.
func FiniteOr(v, fallback float64) float64 {
	if Finite(v) {
		return v
	}
	return fallback
}

// SpectralBalance returns the normalized contribution of a within (a+b).
func SpectralBalance(a, b float64) float64 {
	total := a + b
	if total <= 1e-9 {
		return 0.5
	}
	return Clamp(a/total, 0.0, 1.0)
}

// ClampIndex bounds idx to the valid range for a slice of length.
func ClampIndex(idx, length int) int {
	if length <= 0 {
		return 0
	}
	if idx < 0 {
		return 0
	}
	if idx >= length {
		return length - 1
	}
	return idx
}

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// WrapHue maps any angle in degrees onto [0, 360).
func WrapHue(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// EMA moves prev towards value by alpha, clamped to [0, 1].
func EMA(prev, value, alpha float64) float64 {
	return prev + Clamp(alpha, 0.0, 1.0)*(value-prev)
}
