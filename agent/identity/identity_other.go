//go:build !linux

package identity

import "runtime"

func totalMemory() int64 {
	return 0
}

func osVersion() string {
	return runtime.GOOS
}
