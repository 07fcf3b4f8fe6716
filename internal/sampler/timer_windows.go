//go:build windows

package sampler

import "golang.org/x/sys/windows"

var (
	winmm         = windows.NewLazySystemDLL("winmm.dll")
	timeBeginPeriod = winmm.NewProc("timeBeginPeriod")
	timeEndPeriod   = winmm.NewProc("timeEndPeriod")
)

// Windows wakes sleepers on a 15.6 ms cadence by default, far too coarse
// for the usual 100 Hz sampling rate. Request a 1 ms system tick for the
// timer's lifetime; this is a system-wide setting with a power cost, so
// it is released again on Stop.
func platformTimerSetup() {
	timeBeginPeriod.Call(1)
}

func platformTimerTeardown() {
	timeEndPeriod.Call(1)
}
