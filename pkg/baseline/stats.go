package baseline

import "math"

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the population standard deviation around m.
func stdDev(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		diff := v - m
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)))
}

// Confidence maps a bucket's sample count to [0, 1]. It is zero below
// minSamples, rises linearly to 0.9 across the building band and then
// approaches 1 as 1 - 0.1*full/n.
func Confidence(n, minSamples, fullSamples int) float64 {
	if minSamples < 1 {
		minSamples = 1
	}
	if fullSamples < minSamples {
		fullSamples = minSamples
	}
	switch {
	case n < minSamples:
		return 0
	case n < fullSamples:
		return 0.9 * float64(n-minSamples+1) / float64(fullSamples-minSamples+1)
	default:
		return 1 - 0.1*float64(fullSamples)/float64(n)
	}
}
