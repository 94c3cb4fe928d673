package utils

import (
	"sync"
)

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// NewLocker returns a real mutex, or a locker that does nothing when the owning object's
// consumer has promised to synchronize access externally
func NewLocker(externallySynchronized bool) sync.Locker {
	if externallySynchronized {
		return noopLocker{}
	}

	return &sync.Mutex{}
}
