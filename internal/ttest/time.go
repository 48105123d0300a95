package ttest

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// TimeFactor multiplies test durations produced by [Scale].
// Set TIMEGUARD_TEST_TIME_FACTOR on slow or contended machines.
var TimeFactor = 1

func init() {
	f := os.Getenv("TIMEGUARD_TEST_TIME_FACTOR")
	if f == "" {
		return
	}

	n, err := strconv.Atoi(f)
	if err != nil {
		panic(fmt.Errorf(
			"failed to parse TIMEGUARD_TEST_TIME_FACTOR (%q) into an integer: %w",
			f, err,
		))
	}
	if n <= 0 {
		panic(fmt.Errorf("TIMEGUARD_TEST_TIME_FACTOR must be positive; got %d", n))
	}

	TimeFactor = n
}

// Scale returns d multiplied by [TimeFactor].
func Scale(d time.Duration) time.Duration {
	return time.Duration(TimeFactor) * d
}
