package bridge

import "time"

// nextDelay computes the adaptive poll delay from the wall-clock duration
// of the cycle that just finished: the floor plus two thirds of the elapsed
// time, clamped to the window and rounded to the nearest second. Slow
// cycles push the cadence out so a struggling charge point or cloud is
// polled more gently; fast ones keep it tight.
func nextDelay(elapsed, min, max time.Duration) time.Duration {
	d := min + elapsed*2/3
	if d > max {
		d = max
	}
	if d < min {
		d = min
	}
	return d.Round(time.Second)
}
