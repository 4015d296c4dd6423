// Package ioprogress reports the progress of long transfers.
package ioprogress

// ProgressTracker turns a byte count into a completion percentage.
// Handler is only called when the percentage changes.
type ProgressTracker struct {
	Length  uint64
	Handler func(percent int)

	done     uint64
	percent  int
	reported bool
}

// Add records n more transferred bytes.
func (pt *ProgressTracker) Add(n uint64) {
	pt.done += n
	pt.Update()
}

// Update reports the current percentage if it changed.
func (pt *ProgressTracker) Update() {
	percent := 0
	if pt.Length > 0 {
		percent = int(min(pt.done, pt.Length) * 100 / pt.Length)
	}

	pt.report(percent)
}

// Complete reports 100%, also for empty transfers.
func (pt *ProgressTracker) Complete() {
	pt.done = pt.Length
	pt.report(100)
}

// Percent returns the last reported percentage.
func (pt *ProgressTracker) Percent() int {
	return pt.percent
}

func (pt *ProgressTracker) report(percent int) {
	if pt.reported && percent == pt.percent {
		return
	}

	pt.percent = percent
	pt.reported = true

	if pt.Handler != nil {
		pt.Handler(percent)
	}
}
