package physics

import "math"

// EaseInExpo ramps from 0 to 1 exponentially. EaseInExpo(0) is exactly 0.
func EaseInExpo(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return math.Pow(2, 10*t-10)
}

// EaseOutCubic decelerates towards 1
func EaseOutCubic(t float64) float64 {
	t = Clamp01(t)
	u := 1 - t
	return 1 - u*u*u
}

// Clamp01 limits t to [0,1]
func Clamp01(t float64) float64 {
	switch {
	case t < 0 || math.IsNaN(t):
		return 0
	case t > 1:
		return 1
	}
	return t
}

// Lerp interpolates between a and b
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
