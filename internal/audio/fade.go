package audio

import (
	"math"
	"time"
)

type fadeJob struct {
	from     float64
	to       float64
	duration time.Duration
	start    time.Time
	token    uint64
}

// at returns the volume for the job at time now and whether the job is done.
func (j fadeJob) at(now time.Time) (float64, bool) {
	elapsed := now.Sub(j.start)
	if elapsed >= j.duration {
		return j.to, true
	}
	p := float64(elapsed) / float64(j.duration)
	return j.from + (j.to-j.from)*easeInOutCubic(p), false
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}
