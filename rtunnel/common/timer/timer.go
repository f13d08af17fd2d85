/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package timer implements the deadline queue driven by the reactor loop.

Timers are owned by the component that needs a deferred callback (connect
timeout, idle timeout, linger) and are armed into a Queue. Expire fires due
timers in increasing deadline order, ties broken by arm order. Each timer is
removed from the queue before its handler runs, so handlers may arm, disarm
or reset any timer, including their own.

A Queue is not safe for concurrent use; it belongs to one reactor goroutine.

*/
package timer

import (
	"container/heap"
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
)

const (
	DEFAULT_CAPACITY = 16384

	unarmed = -1
	firing  = -2
)

var (
	ErrQueueFull = errors.New("timer queue full")
	ErrArmed     = errors.New("timer already armed")
)

// Timer is a single deferred callback. A Timer may be armed again after it
// fires or is disarmed, but never while it is armed.
type Timer struct {
	handler  func()
	deadline time.Time
	seq      uint64
	index    int
}

// NewTimer creates an unarmed timer which calls handler when it fires.
func NewTimer(handler func()) *Timer {
	return &Timer{
		handler: handler,
		index:   unarmed,
	}
}

// Armed indicates whether the timer is waiting to fire.
func (t *Timer) Armed() bool {
	return t.index != unarmed
}

// Deadline returns the deadline of the most recent arm.
func (t *Timer) Deadline() time.Time {
	return t.deadline
}

// Queue is a bounded min-heap of armed timers.
type Queue struct {

	// Clock returns the current time. Tests may replace it.
	Clock func() time.Time

	capacity int
	timers   timerHeap
	seq      uint64
}

// NewQueue creates a queue holding at most capacity armed timers. When
// capacity is <= 0, DEFAULT_CAPACITY is used.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DEFAULT_CAPACITY
	}
	return &Queue{
		Clock:    time.Now,
		capacity: capacity,
	}
}

// Len returns the number of armed timers waiting in the queue.
func (q *Queue) Len() int {
	return len(q.timers)
}

// Arm schedules t to fire after d. A negative d is treated as zero.
func (q *Queue) Arm(t *Timer, d time.Duration) error {
	if t.Armed() {
		return errors.Trace(ErrArmed)
	}
	if len(q.timers) >= q.capacity {
		return errors.Trace(ErrQueueFull)
	}
	if d < 0 {
		d = 0
	}
	q.seq += 1
	t.deadline = q.Clock().Add(d)
	t.seq = q.seq
	heap.Push(&q.timers, t)
	return nil
}

// Schedule creates a timer for handler and arms it to fire after d.
func (q *Queue) Schedule(d time.Duration, handler func()) (*Timer, error) {
	t := NewTimer(handler)
	err := q.Arm(t, d)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Disarm cancels t. Disarming an unarmed or already fired timer is a no-op.
func (q *Queue) Disarm(t *Timer) {
	if t.index >= 0 {
		heap.Remove(&q.timers, t.index)
	}
	// A timer due in the current Expire batch is skipped once unarmed.
	t.index = unarmed
}

// Reset disarms t, if armed, and arms it to fire after d.
func (q *Queue) Reset(t *Timer, d time.Duration) error {
	q.Disarm(t)
	return q.Arm(t, d)
}

// NextDeadline returns the time remaining, relative to now, until the
// earliest armed timer is due. The duration is never negative. When no timer
// is armed, ok is false, meaning an unbounded wait.
func (q *Queue) NextDeadline(now time.Time) (d time.Duration, ok bool) {
	if len(q.timers) == 0 {
		return 0, false
	}
	d = q.timers[0].deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Expire fires every timer due at now, in deadline order, and returns the
// number fired. Timers armed by handlers during Expire wait for the next
// call, even when already due.
func (q *Queue) Expire(now time.Time) int {

	type dueTimer struct {
		timer *Timer
		seq   uint64
	}

	var due []dueTimer
	for len(q.timers) > 0 && !q.timers[0].deadline.After(now) {
		t := heap.Pop(&q.timers).(*Timer)
		t.index = firing
		due = append(due, dueTimer{timer: t, seq: t.seq})
	}

	fired := 0
	for _, entry := range due {
		t := entry.timer
		// Skip timers disarmed, or disarmed and re-armed, by an earlier
		// handler in this batch.
		if t.index != firing || t.seq != entry.seq {
			continue
		}
		t.index = unarmed
		fired += 1
		if t.handler != nil {
			t.handler()
		}
	}
	return fired
}

type timerHeap []*Timer

func (h timerHeap) Len() int {
	return len(h)
}

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	t.index = unarmed
	return t
}
