package util

import "math"

// SampleRateForBinWidth converts a bin width in seconds to a whole sample rate.
func SampleRateForBinWidth(binWidth float64) float64 {
	return math.Round(1 / binWidth)
}

// BinWidth is the duration of one sample at rate.
func BinWidth(rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	return 1 / rate
}

// FrameSize is the number of samples needed to cover recordLength, never
// less than one.
func FrameSize(recordLength, binWidth float64) int {
	// guard against 0.3/0.1 = 2.9999999999999996
	n := int(math.Floor(recordLength/binWidth + 1e-9))
	if n < 1 {
		return 1
	}
	return n
}

// RecordLength is the duration of a frame of n samples.
func RecordLength(n int, binWidth float64) float64 {
	return float64(n) * binWidth
}
