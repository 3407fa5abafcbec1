package derive

import (
	"fmt"
	"math"
)

const (
	colorFormat        = "#%02x%02x%02x"
	colorBitIterations = 24
	colorChannels      = 3
)

// greyRamp is the nine-stop sequential grey scheme, white to black.
var greyRamp = []float64{255, 240, 217, 189, 150, 115, 82, 37, 0}

// GreyColor returns the grey at position t ∈ [0,1] of a B-spline through greyRamp. Larger
// t is darker.
func GreyColor(t float64) string {
	channel := uint8(clampChannel(basisSpline(greyRamp, t)))
	return fmt.Sprintf(colorFormat, channel, channel, channel)
}

// CommunityColor spreads the bits of the community identifier across the three color
// channels so that neighbouring identifiers land far apart.
func CommunityColor(community int) string {
	var channels [colorChannels]int
	remaining := community
	for iteration := 0; iteration < colorBitIterations; iteration++ {
		channel := iteration % colorChannels
		channels[channel] = channels[channel]<<1 | remaining&1
		remaining >>= 1
	}
	return fmt.Sprintf(colorFormat, channels[2]&0xff, channels[1]&0xff, channels[0]&0xff)
}

func basisSpline(values []float64, t float64) float64 {
	segments := len(values) - 1
	var index int
	switch {
	case t <= 0:
		t = 0
		index = 0
	case t >= 1:
		t = 1
		index = segments - 1
	default:
		index = int(math.Floor(t * float64(segments)))
	}
	current := values[index]
	next := values[index+1]
	previous := 2*current - next
	if index > 0 {
		previous = values[index-1]
	}
	following := 2*next - current
	if index < segments-1 {
		following = values[index+2]
	}
	local := (t - float64(index)/float64(segments)) * float64(segments)
	return basis(local, previous, current, next, following)
}

func basis(t float64, v0 float64, v1 float64, v2 float64, v3 float64) float64 {
	t2 := t * t
	t3 := t2 * t
	return ((1-3*t+3*t2-t3)*v0 + (4-6*t2+3*t3)*v1 + (1+3*t+3*t2-3*t3)*v2 + t3*v3) / 6
}

func clampChannel(value float64) float64 {
	return math.Max(0, math.Min(255, math.Round(value)))
}
