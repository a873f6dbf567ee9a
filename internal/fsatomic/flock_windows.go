//go:build windows

package fsatomic

import "sync"

// Windows is a dev-only target; a process-wide mutex stands in for flock.
var winLocks sync.Map

func flockExclusive(lockPath string) (func(), error) {
	muAny, _ := winLocks.LoadOrStore(lockPath, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	done := false
	return func() {
		if done {
			return
		}
		mu.Unlock()
		done = true
	}, nil
}
