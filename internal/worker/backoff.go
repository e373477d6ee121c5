package worker

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// ExponentialBackoff returns the wait before retry number attempt, doubling
// from 2s up to a 5m cap, plus up to 250ms of jitter so parallel consumers
// don't hammer the queue in lockstep.
func ExponentialBackoff(attempt int) time.Duration {
	delay := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempt)))
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	return delay + time.Duration(rand.Intn(250))*time.Millisecond
}
