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

package reactor

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pollerTypes() []string {
	if runtime.GOOS == "linux" {
		return []string{POLLER_EPOLL, POLLER_SELECT}
	}
	return []string{POLLER_SELECT}
}

func newTestReactor(t *testing.T, pollerType string) *Reactor {
	r, err := New(&Config{
		PollerType:  pollerType,
		PollTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func newSocketPair(t *testing.T) [2]int {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds
}

func TestReactor(t *testing.T) {
	for _, pollerType := range pollerTypes() {
		t.Run(pollerType, func(t *testing.T) {
			t.Run("read", func(t *testing.T) { testRead(t, pollerType) })
			t.Run("write", func(t *testing.T) { testWrite(t, pollerType) })
			t.Run("unregister mid-cycle", func(t *testing.T) { testUnregisterMidCycle(t, pollerType) })
			t.Run("timers", func(t *testing.T) { testTimers(t, pollerType) })
			t.Run("stop", func(t *testing.T) { testStop(t, pollerType) })
			t.Run("context", func(t *testing.T) { testContext(t, pollerType) })
		})
	}
}

func testRead(t *testing.T, pollerType string) {

	r := newTestReactor(t, pollerType)
	fds := newSocketPair(t)

	reads := 0
	buffer := make([]byte, 16)
	err := r.Register(fds[0], Read, func() {
		reads += 1
		n, err := unix.Read(fds[0], buffer)
		require.NoError(t, err)
		require.Equal(t, "ping", string(buffer[:n]))
	})
	require.NoError(t, err)
	require.Equal(t, Read, r.Registered(fds[0]))

	// Nothing readable yet.
	require.NoError(t, r.RunOnce(10*time.Millisecond))
	require.Equal(t, 0, reads)

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	require.NoError(t, r.RunOnce(time.Second))
	require.Equal(t, 1, reads)

	// Level-triggered readiness is drained, so no further dispatch.
	require.NoError(t, r.RunOnce(10*time.Millisecond))
	require.Equal(t, 1, reads)

	require.NoError(t, r.Unregister(fds[0], Read))
	require.Equal(t, Interest(0), r.Registered(fds[0]))

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)
	require.NoError(t, r.RunOnce(10*time.Millisecond))
	require.Equal(t, 1, reads)
}

func testWrite(t *testing.T, pollerType string) {

	r := newTestReactor(t, pollerType)
	fds := newSocketPair(t)

	writes := 0
	err := r.Register(fds[0], Write, func() {
		writes += 1
		require.NoError(t, r.Unregister(fds[0], Write))
	})
	require.NoError(t, err)

	reads := 0
	err = r.Register(fds[0], Read, func() { reads += 1 })
	require.NoError(t, err)
	require.Equal(t, Read|Write, r.Registered(fds[0]))

	require.NoError(t, r.RunOnce(time.Second))
	require.Equal(t, 1, writes)
	require.Equal(t, 0, reads)
	require.Equal(t, Read, r.Registered(fds[0]))

	require.NoError(t, r.RunOnce(10*time.Millisecond))
	require.Equal(t, 1, writes)
}

func testUnregisterMidCycle(t *testing.T, pollerType string) {

	r := newTestReactor(t, pollerType)

	a := newSocketPair(t)
	b := newSocketPair(t)

	// Whichever handler runs first closes the other descriptor and
	// registers a replacement, which may reuse the closed descriptor
	// number. The stale ready event must not reach either.
	dispatched := 0
	replacementCalls := 0

	replace := func(victim int) {
		require.NoError(t, r.Unregister(victim, Read))
		unix.Close(victim)
		c := newSocketPair(t)
		require.NoError(t, r.Register(c[0], Read, func() { replacementCalls += 1 }))
	}

	drain := func(fd int) {
		var buffer [16]byte
		_, _ = unix.Read(fd, buffer[:])
	}

	require.NoError(t, r.Register(a[0], Read, func() {
		dispatched += 1
		drain(a[0])
		replace(b[0])
	}))
	require.NoError(t, r.Register(b[0], Read, func() {
		dispatched += 1
		drain(b[0])
		replace(a[0])
	}))

	_, err := unix.Write(a[1], []byte("a"))
	require.NoError(t, err)
	_, err = unix.Write(b[1], []byte("b"))
	require.NoError(t, err)

	// Give both descriptors time to become ready before the single poll.
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, r.RunOnce(time.Second))
	require.Equal(t, 1, dispatched)
	require.Equal(t, 0, replacementCalls)
}

func testTimers(t *testing.T, pollerType string) {

	r := newTestReactor(t, pollerType)

	var fired []int
	start := time.Now()

	for _, ms := range []int{50, 10, 30} {
		n := ms
		_, err := r.Timers().Schedule(
			time.Duration(ms)*time.Millisecond, func() { fired = append(fired, n) })
		require.NoError(t, err)
	}

	for len(fired) < 3 {
		require.NoError(t, r.RunOnce(-1))
		require.Less(t, time.Since(start), 5*time.Second)
	}

	require.Equal(t, []int{10, 30, 50}, fired)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func testStop(t *testing.T, pollerType string) {

	r, err := New(&Config{
		PollerType:  pollerType,
		PollTimeout: time.Hour,
	})
	require.NoError(t, err)
	defer r.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		r.Stop()
	}()

	start := time.Now()
	require.NoError(t, r.RunForever())
	require.Less(t, time.Since(start), 10*time.Second)
	require.True(t, r.Stopped())

	// A stopped reactor returns immediately.
	require.NoError(t, r.RunForever())
}

func testContext(t *testing.T, pollerType string) {

	r, err := New(&Config{
		PollerType:  pollerType,
		PollTimeout: time.Hour,
	})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, r.Run(ctx))
	require.True(t, r.Stopped())
}

func TestReactorConfig(t *testing.T) {

	_, err := New(&Config{PollerType: "kqueue"})
	require.Error(t, err)

	r, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	require.ErrorIs(t, r.RunOnce(0), ErrClosed)
	require.ErrorIs(t, r.Register(0, Read, func() {}), ErrClosed)
}

func TestSelectDescriptorLimit(t *testing.T) {

	p := newSelectPoller()
	require.ErrorIs(t, p.add(1<<20, Read), ErrDescriptorLimit)
}
