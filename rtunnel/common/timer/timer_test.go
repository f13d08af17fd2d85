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

package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func newTestQueue(capacity int) (*Queue, *testClock) {
	clock := &testClock{now: time.Unix(1000000, 0)}
	q := NewQueue(capacity)
	q.Clock = clock.Now
	return q, clock
}

func TestTimerOrdering(t *testing.T) {

	q, clock := newTestQueue(0)

	var fired []int
	record := func(n int) func() {
		return func() { fired = append(fired, n) }
	}

	t50, err := q.Schedule(50*time.Millisecond, record(50))
	require.NoError(t, err)
	t10, err := q.Schedule(10*time.Millisecond, record(10))
	require.NoError(t, err)
	t30, err := q.Schedule(30*time.Millisecond, record(30))
	require.NoError(t, err)

	d, ok := q.NextDeadline(clock.Now())
	require.True(t, ok)
	require.Equal(t, 10*time.Millisecond, d)

	require.Equal(t, 3, q.Expire(clock.Advance(100*time.Millisecond)))
	require.Equal(t, []int{10, 30, 50}, fired)

	for _, timer := range []*Timer{t10, t30, t50} {
		require.False(t, timer.Armed())
	}

	_, ok = q.NextDeadline(clock.Now())
	require.False(t, ok)
}

func TestTimerDisarm(t *testing.T) {

	q, clock := newTestQueue(0)

	var fired []int
	record := func(n int) func() {
		return func() { fired = append(fired, n) }
	}

	_, err := q.Schedule(50*time.Millisecond, record(50))
	require.NoError(t, err)
	_, err = q.Schedule(10*time.Millisecond, record(10))
	require.NoError(t, err)
	t30, err := q.Schedule(30*time.Millisecond, record(30))
	require.NoError(t, err)

	q.Disarm(t30)
	require.False(t, t30.Armed())

	// Disarming again, or disarming a never armed timer, is a no-op.
	q.Disarm(t30)
	q.Disarm(NewTimer(nil))

	q.Expire(clock.Advance(100 * time.Millisecond))
	require.Equal(t, []int{10, 50}, fired)
}

func TestTimerTies(t *testing.T) {

	q, clock := newTestQueue(0)

	var fired []int
	for i := 0; i < 10; i++ {
		n := i
		_, err := q.Schedule(time.Second, func() { fired = append(fired, n) })
		require.NoError(t, err)
	}

	q.Expire(clock.Advance(time.Second))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, fired)
}

func TestTimerPartialExpire(t *testing.T) {

	q, clock := newTestQueue(0)

	count := 0
	for i := 1; i <= 5; i++ {
		_, err := q.Schedule(time.Duration(i)*time.Second, func() { count += 1 })
		require.NoError(t, err)
	}

	require.Equal(t, 2, q.Expire(clock.Advance(2*time.Second)))
	require.Equal(t, 3, q.Len())

	d, ok := q.NextDeadline(clock.Now())
	require.True(t, ok)
	require.Equal(t, time.Second, d)

	// An overdue deadline reports a zero wait.
	d, ok = q.NextDeadline(clock.Now().Add(10 * time.Second))
	require.True(t, ok)
	require.Equal(t, time.Duration(0), d)
}

func TestTimerRearmFromHandler(t *testing.T) {

	q, clock := newTestQueue(0)

	count := 0
	var self *Timer
	self = NewTimer(func() {
		count += 1
		require.NoError(t, q.Arm(self, 0))
	})
	require.NoError(t, q.Arm(self, 0))

	// The zero delay re-arm is due immediately but waits for the next cycle.
	require.Equal(t, 1, q.Expire(clock.Now()))
	require.Equal(t, 1, count)
	require.True(t, self.Armed())

	require.Equal(t, 1, q.Expire(clock.Now()))
	require.Equal(t, 2, count)

	q.Disarm(self)
	require.Equal(t, 0, q.Expire(clock.Advance(time.Hour)))
}

func TestTimerDisarmWithinBatch(t *testing.T) {

	q, clock := newTestQueue(0)

	var fired []string
	var second *Timer

	_, err := q.Schedule(time.Millisecond, func() {
		fired = append(fired, "first")
		q.Disarm(second)
	})
	require.NoError(t, err)

	second, err = q.Schedule(2*time.Millisecond, func() {
		fired = append(fired, "second")
	})
	require.NoError(t, err)

	require.Equal(t, 1, q.Expire(clock.Advance(time.Second)))
	require.Equal(t, []string{"first"}, fired)
}

func TestTimerResetWithinBatch(t *testing.T) {

	q, clock := newTestQueue(0)

	var fired []string
	var second *Timer

	_, err := q.Schedule(time.Millisecond, func() {
		fired = append(fired, "first")
		require.NoError(t, q.Reset(second, time.Minute))
	})
	require.NoError(t, err)

	second, err = q.Schedule(2*time.Millisecond, func() {
		fired = append(fired, "second")
	})
	require.NoError(t, err)

	q.Expire(clock.Advance(time.Second))
	require.Equal(t, []string{"first"}, fired)
	require.True(t, second.Armed())

	q.Expire(clock.Advance(time.Minute))
	require.Equal(t, []string{"first", "second"}, fired)
}

func TestTimerErrors(t *testing.T) {

	q, _ := newTestQueue(2)

	timer := NewTimer(func() {})
	require.NoError(t, q.Arm(timer, time.Second))

	err := q.Arm(timer, time.Second)
	require.ErrorIs(t, err, ErrArmed)

	_, err = q.Schedule(time.Second, func() {})
	require.NoError(t, err)

	_, err = q.Schedule(time.Second, func() {})
	require.ErrorIs(t, err, ErrQueueFull)

	// Disarming frees capacity.
	q.Disarm(timer)
	_, err = q.Schedule(time.Second, func() {})
	require.NoError(t, err)
}
