// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package idletimer includes a [Timer] that fires once a fixed period passes
without activity. Here is an example of how to use the Timer:

	t := idletimer.New(30 * time.Second)
	defer t.Stop()  // to prevent resource leaks
	t.Touch()       // call on every unit of activity
	<-t.Expired()   // unblocks 30 seconds after the last Touch
*/
package idletimer

import (
	"sync/atomic"
	"time"
)

// Timer signals on a channel once a full period has passed with no call to
// [Timer.Touch]. Unlike resetting a [time.Timer] on every event, Touch only
// stores a timestamp; the expiry callback re-arms itself for the remainder
// of the period when there was activity since it was scheduled.
//
// Timer is safe for concurrent use by multiple goroutines.
type Timer struct {
	period time.Duration
	// last holds the UnixNano of the most recent Touch.
	last    atomic.Int64
	t       *time.Timer
	expired chan struct{}
}

// New creates a running Timer that expires period from now unless touched.
func New(period time.Duration) *Timer {
	timer := &Timer{period: period, expired: make(chan struct{})}
	timer.last.Store(time.Now().UnixNano())
	timer.t = time.AfterFunc(period, timer.expire)
	return timer
}

// Touch marks activity, pushing the expiry out to one full period from now.
func (timer *Timer) Touch() {
	timer.last.Store(time.Now().UnixNano())
}

// Expired returns a readonly channel that is closed once a full period has
// passed without a Touch. It can be safely subscribed to by multiple
// listeners.
func (timer *Timer) Expired() <-chan struct{} {
	return timer.expired
}

// Stop releases the underlying timer. It does not close the Expired channel,
// and an expiry that is already in progress may still complete.
func (timer *Timer) Stop() {
	timer.t.Stop()
}

func (timer *Timer) expire() {
	idle := time.Since(time.Unix(0, timer.last.Load()))
	if idle < timer.period {
		timer.t.Reset(timer.period - idle)
		return
	}
	close(timer.expired)
}
