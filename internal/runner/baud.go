package runner

import (
	"regexp"
	"strconv"
	"time"
)

var serialBeginRe = regexp.MustCompile(`Serial\s*\.\s*begin\s*\(\s*(\d+)`)

// ParseBaud scans a sketch for its Serial.begin call and returns the
// configured baud rate, or def when the sketch never opens the port.
func ParseBaud(source string, def int) int {
	m := serialBeginRe.FindStringSubmatch(source)
	if m == nil {
		return def
	}
	baud, err := strconv.Atoi(m[1])
	if err != nil || baud <= 0 {
		return def
	}
	return baud
}

// CharDelay is the simulated per-character transmission delay for a
// baud rate. The bands are deliberately coarse: this is display pacing
// policy, not a UART model.
func CharDelay(baud int) time.Duration {
	switch {
	case baud <= 300:
		return 33 * time.Millisecond
	case baud <= 1200:
		return 8 * time.Millisecond
	case baud <= 2400:
		return 4 * time.Millisecond
	case baud <= 4800:
		return 2 * time.Millisecond
	default:
		return 1 * time.Millisecond
	}
}

// EffectiveBaud clamps the configured rate to the simulation ceiling so
// extreme rates cannot defeat pacing entirely.
func EffectiveBaud(baud, ceiling int) int {
	if ceiling > 0 && baud > ceiling {
		return ceiling
	}
	return baud
}
