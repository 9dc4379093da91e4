// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package server

// Semaphore bounds how many requests an endpoint works on at once. It is a
// buffered channel whose capacity is the permit count; a permit is held
// while a value sits in the channel.
type Semaphore chan struct{}

// NewSemaphore returns a semaphore with 'slots' permits.
func NewSemaphore(slots int) Semaphore {
	return make(Semaphore, slots)
}

// Acquire takes a permit, waiting for one to free up. Storage-node traffic
// uses this form: a delayed heartbeat is cheaper than a dropped one.
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// Release returns a permit taken by Acquire or a successful TryAcquire.
func (s Semaphore) Release() {
	<-s
}

// TryAcquire takes a permit only if one is free right now. Client-facing
// handlers use this form and reject with ErrTooBusy instead of queueing.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}
