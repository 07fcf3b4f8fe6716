//go:build !windows

package sampler

func platformTimerSetup()    {}
func platformTimerTeardown() {}
