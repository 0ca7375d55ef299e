// Package compress maps storage usage to image encoding parameters. It only
// computes parameters; pixel work happens in the image transform collaborator.
package compress

import "math"

// Profile is a resize/quality target for encoding an image.
type Profile struct {
	MaxWidth  int
	MaxHeight int
	Quality   float64
}

const (
	// QualityStep is subtracted from the quality on the first re-encode when
	// an image still exceeds its byte ceiling.
	QualityStep = 0.15
	// MinQuality bounds re-encoding from below.
	MinQuality = 0.4
	// MinDimension bounds downscaling from below.
	MinDimension = 400
)

// ProfileFor returns the encoding profile for the current usage percentage.
// Each band is stricter than the last.
func ProfileFor(usagePercent float64) Profile {
	switch {
	case usagePercent >= 90:
		return Profile{MaxWidth: 800, MaxHeight: 800, Quality: 0.6}
	case usagePercent >= 75:
		return Profile{MaxWidth: 1200, MaxHeight: 1200, Quality: 0.7}
	case usagePercent >= 50:
		return Profile{MaxWidth: 1600, MaxHeight: 1600, Quality: 0.8}
	default:
		return Profile{MaxWidth: 1920, MaxHeight: 1920, Quality: 0.85}
	}
}

// ByteCeiling returns the per-image size ceiling in bytes, tightening as the
// store fills: 150KB nominal down to 80KB at 90% usage.
func ByteCeiling(usagePercent float64) int {
	switch {
	case usagePercent >= 90:
		return 80 * 1024
	case usagePercent >= 75:
		return 100 * 1024
	case usagePercent >= 50:
		return 130 * 1024
	default:
		return 150 * 1024
	}
}

// ReducedQuality returns the profile for the single quality-only re-encode
// attempted when the first encoding exceeds the byte ceiling.
func ReducedQuality(p Profile) Profile {
	quality := p.Quality - QualityStep
	if quality < MinQuality {
		quality = MinQuality
	}
	return Profile{MaxWidth: p.MaxWidth, MaxHeight: p.MaxHeight, Quality: quality}
}

// Downscaled returns the profile for the final attempt: pixel dimensions are
// scaled by sqrt(ceiling/actual) so the encoded size lands near the ceiling,
// floored at MinDimension.
func Downscaled(p Profile, ceilingBytes, actualBytes int) Profile {
	if actualBytes <= ceilingBytes || actualBytes == 0 {
		return p
	}
	ratio := math.Sqrt(float64(ceilingBytes) / float64(actualBytes))
	width := int(float64(p.MaxWidth) * ratio)
	height := int(float64(p.MaxHeight) * ratio)
	if width < MinDimension {
		width = MinDimension
	}
	if height < MinDimension {
		height = MinDimension
	}
	return Profile{MaxWidth: width, MaxHeight: height, Quality: p.Quality}
}
