package unit

import (
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/units"
)

// Speed is a unit representing amount of bytes per duration
// eg 120KiB/s. The duration suffix is one of s, m or h and defaults to s.
type Speed string

// Limit returns the speed in bytes per second. An empty Speed is unlimited and
// returns 0.
func (s Speed) Limit() (float64, error) {
	if s == "" {
		return 0, nil
	}
	x := strings.Split(string(s), "/")
	if len(x) > 2 {
		return 0, fmt.Errorf("invalid speed: %q", string(s))
	}
	v, err := units.ParseBase2Bytes(strings.TrimSpace(x[0]))
	if err != nil {
		return 0, fmt.Errorf("invalid speed %q: %w", string(s), err)
	}
	per := time.Second
	if len(x) == 2 {
		switch strings.TrimSpace(x[1]) {
		case "s":
		case "m":
			per = time.Minute
		case "h":
			per = time.Hour
		default:
			return 0, fmt.Errorf("invalid speed %q: unknown duration %q", string(s), x[1])
		}
	}
	return float64(v) / per.Seconds(), nil
}

// Bytes formats n as a human readable binary size, e.g. 1.5KiB.
func Bytes(n int64) string {
	return units.Base2Bytes(n).String()
}
