//go:build linux

package gohost

import "golang.org/x/sys/unix"

const osThreadsSupported = true

func osThreadID() uint64 {
	return uint64(unix.Gettid())
}

// osThreadAlive probes tid with signal 0: all the checks of a kill, no
// delivery.
func osThreadAlive(tid uint64) bool {
	return unix.Tgkill(unix.Getpid(), int(tid), 0) == nil
}
