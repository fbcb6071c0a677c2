package replica

import (
	"errors"
	"sync"
)

// ShutdownLatch is the process-wide stop flag. Every loop boundary and every
// return from a blocking call checks it.
type ShutdownLatch struct {
	mutex sync.Mutex
	set   bool
	done  chan struct{}
}

func NewShutdownLatch() *ShutdownLatch {
	return &ShutdownLatch{
		done: make(chan struct{}),
	}
}

func (self *ShutdownLatch) Set() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.set {
		self.set = true
		close(self.done)
	}
}

func (self *ShutdownLatch) IsSet() bool {
	if self == nil {
		return false
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.set
}

func (self *ShutdownLatch) Done() <-chan struct{} {
	return self.done
}

func IsNoSuchObject(err error) bool {
	return errors.Is(err, ErrNoSuchObject)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func IsNonLeaf(err error) bool {
	return errors.Is(err, ErrNonLeaf)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrServerDown) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrPoolPaused)
}
