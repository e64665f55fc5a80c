//go:build !linux

package gohost

const osThreadsSupported = false

func osThreadID() uint64 {
	return 0
}

func osThreadAlive(tid uint64) bool {
	return false
}
