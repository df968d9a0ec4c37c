package platform

import "time"

// BusyWait spins until d has elapsed on the monotonic clock. The card
// clock runs at some ten kHz, far below the resolution the scheduler
// gives time.Sleep, so the calling goroutine keeps the CPU.
func BusyWait(d time.Duration) {
	if d <= 0 {
		return
	}
	start := time.Now()
	for time.Since(start) < d {
	}
}
