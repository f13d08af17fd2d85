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

Package reactor implements a single goroutine readiness loop that multiplexes
nonblocking descriptors and the timer queue.

Each cycle waits for readiness, bounded by the nearest timer deadline and the
configured poll timeout; dispatches ready descriptors; and finally expires due
timers. Handlers run synchronously on the reactor goroutine and may register,
unregister or close any descriptor. Ready events are captured with the
registration that was current at poll time, and an event is dispatched only
while that same registration still holds the matching interest, so a
descriptor deregistered, or closed and reused, earlier in the cycle is never
dispatched stale.

Only Stop is safe to call from other goroutines.

*/
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/timer"
	"golang.org/x/sys/unix"
)

// Interest is a set of readiness conditions.
type Interest int

const (
	Read Interest = 1 << iota
	Write

	// hangup marks error or hangup readiness reported by the poller. It is
	// delivered to every registered interest.
	hangup
)

func (i Interest) String() string {
	switch i & (Read | Write) {
	case Read:
		return "read"
	case Write:
		return "write"
	case Read | Write:
		return "read|write"
	}
	return "none"
}

const (
	POLLER_EPOLL  = "epoll"
	POLLER_SELECT = "select"

	DEFAULT_POLL_TIMEOUT = 1 * time.Second
)

var (
	ErrDescriptorLimit = errors.New("descriptor exceeds poller limit")
	ErrUnsupported     = errors.New("poller not supported on this platform")
	ErrClosed          = errors.New("reactor closed")
)

// Handler is invoked on the reactor goroutine when a registered descriptor
// is ready for the interest it was registered with.
type Handler func()

// Config specifies Reactor parameters. The zero value selects defaults.
type Config struct {

	// PollerType is POLLER_EPOLL or POLLER_SELECT. The default is epoll on
	// Linux and select elsewhere.
	PollerType string

	// TimerQueueCapacity bounds the number of armed timers.
	TimerQueueCapacity int

	// PollTimeout bounds each readiness wait, even when no timer is armed.
	PollTimeout time.Duration
}

type registration struct {
	fd       int
	interest Interest
	onRead   Handler
	onWrite  Handler
}

type readyEvent struct {
	reg    *registration
	events Interest
}

// Reactor is a readiness loop. A Reactor is driven by one goroutine.
type Reactor struct {
	pollTimeout   time.Duration
	poller        poller
	timers        *timer.Queue
	registrations map[int]*registration
	polled        []polledEvent
	ready         []readyEvent
	wakeupMutex   sync.Mutex
	wakeupFDs     [2]int
	wakeup        []byte
	stopped       atomic.Bool
	closed        bool
}

// New creates a Reactor with its poller and timer queue.
func New(config *Config) (*Reactor, error) {

	if config == nil {
		config = &Config{}
	}

	pollTimeout := config.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = DEFAULT_POLL_TIMEOUT
	}

	pollerType := config.PollerType
	if pollerType == "" {
		pollerType = defaultPollerType
	}

	var p poller
	var err error
	switch pollerType {
	case POLLER_EPOLL:
		p, err = newEpollPoller()
	case POLLER_SELECT:
		p = newSelectPoller()
	default:
		err = errors.Tracef("unknown poller type: %s", pollerType)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	r := &Reactor{
		pollTimeout:   pollTimeout,
		poller:        p,
		timers:        timer.NewQueue(config.TimerQueueCapacity),
		registrations: make(map[int]*registration),
		wakeupFDs:     [2]int{-1, -1},
		wakeup:        make([]byte, 64),
	}

	err = r.openWakeup()
	if err != nil {
		p.close()
		return nil, errors.Trace(err)
	}

	return r, nil
}

// openWakeup creates the nonblocking pipe used by Stop to interrupt a wait.
func (r *Reactor) openWakeup() error {

	var fds [2]int
	err := unix.Pipe(fds[:])
	if err != nil {
		return errors.Trace(err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		err = unix.SetNonblock(fd, true)
		if err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return errors.Trace(err)
		}
	}
	r.wakeupFDs = fds

	err = r.Register(fds[0], Read, r.drainWakeup)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return errors.Trace(err)
	}
	return nil
}

func (r *Reactor) drainWakeup() {
	for {
		n, err := unix.Read(r.wakeupFDs[0], r.wakeup)
		if n <= 0 || err != nil {
			return
		}
	}
}

// Timers returns the reactor's timer queue.
func (r *Reactor) Timers() *timer.Queue {
	return r.timers
}

// Now returns the current time according to the timer queue clock.
func (r *Reactor) Now() time.Time {
	return r.timers.Clock()
}

// Register adds interest for fd, with handler invoked on readiness.
// Registering an interest that is already registered replaces its handler.
func (r *Reactor) Register(fd int, interest Interest, handler Handler) error {

	if r.closed {
		return errors.Trace(ErrClosed)
	}
	interest &= Read | Write
	if fd < 0 || interest == 0 || handler == nil {
		return errors.TraceNew("invalid registration")
	}

	reg, ok := r.registrations[fd]
	if !ok {
		reg = &registration{fd: fd}
	}

	previous := reg.interest
	updated := previous | interest

	var err error
	if !ok {
		err = r.poller.add(fd, updated)
	} else if updated != previous {
		err = r.poller.modify(fd, updated)
	}
	if err != nil {
		return errors.Trace(err)
	}

	reg.interest = updated
	if interest&Read != 0 {
		reg.onRead = handler
	}
	if interest&Write != 0 {
		reg.onWrite = handler
	}
	r.registrations[fd] = reg

	return nil
}

// Unregister removes interest for fd. Unregistering an interest that is not
// registered is a no-op. Once no interest remains the descriptor is removed
// from the poller; owners must unregister before closing a descriptor.
func (r *Reactor) Unregister(fd int, interest Interest) error {

	reg, ok := r.registrations[fd]
	if !ok {
		return nil
	}

	interest &= Read | Write
	updated := reg.interest &^ interest
	if updated == reg.interest {
		return nil
	}

	if interest&Read != 0 {
		reg.onRead = nil
	}
	if interest&Write != 0 {
		reg.onWrite = nil
	}
	reg.interest = updated

	if updated == 0 {
		delete(r.registrations, fd)
		err := r.poller.remove(fd)
		if err != nil {
			return errors.Trace(err)
		}
		return nil
	}

	err := r.poller.modify(fd, updated)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Registered returns the current interest registered for fd.
func (r *Reactor) Registered(fd int) Interest {
	reg, ok := r.registrations[fd]
	if !ok {
		return 0
	}
	return reg.interest
}

// RunOnce runs one cycle: wait for readiness for at most timeout (a negative
// timeout means the poll timeout), dispatch ready handlers, then expire due
// timers. The wait is further bounded by the next timer deadline and the
// poll timeout.
func (r *Reactor) RunOnce(timeout time.Duration) error {

	if r.closed {
		return errors.Trace(ErrClosed)
	}

	wait := r.pollTimeout
	if timeout >= 0 && timeout < wait {
		wait = timeout
	}
	next, ok := r.timers.NextDeadline(r.timers.Clock())
	if ok && next < wait {
		wait = next
	}

	var err error
	r.polled, err = r.poller.wait(wait, r.polled[:0])
	if err != nil {
		return errors.Trace(err)
	}

	r.ready = r.ready[:0]
	for _, event := range r.polled {
		reg, ok := r.registrations[event.fd]
		if !ok {
			continue
		}
		r.ready = append(r.ready, readyEvent{reg: reg, events: event.events})
	}

	for i := range r.ready {
		r.dispatch(r.ready[i])
		r.ready[i].reg = nil
	}

	r.timers.Expire(r.timers.Clock())

	return nil
}

func (r *Reactor) dispatch(event readyEvent) {

	reg := event.reg

	if event.events&(Read|hangup) != 0 && r.isCurrent(reg, Read) {
		reg.onRead()
	}

	// The read handler may have closed the descriptor or dropped write
	// interest, so check again.
	if event.events&(Write|hangup) != 0 && r.isCurrent(reg, Write) {
		reg.onWrite()
	}
}

func (r *Reactor) isCurrent(reg *registration, interest Interest) bool {
	return r.registrations[reg.fd] == reg && reg.interest&interest != 0
}

// Run runs cycles until Stop is called or ctx is done.
func (r *Reactor) Run(ctx context.Context) error {

	stop := context.AfterFunc(ctx, r.Stop)
	defer stop()

	for !r.stopped.Load() {
		err := r.RunOnce(-1)
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// RunForever runs cycles until Stop is called.
func (r *Reactor) RunForever() error {
	return r.Run(context.Background())
}

// Stop causes Run to return after the current cycle. Stop may be called
// from any goroutine; once stopped, Run returns immediately.
func (r *Reactor) Stop() {
	r.stopped.Store(true)

	r.wakeupMutex.Lock()
	defer r.wakeupMutex.Unlock()
	if r.wakeupFDs[1] < 0 {
		return
	}
	// EAGAIN means a wakeup is already pending.
	_, _ = unix.Write(r.wakeupFDs[1], []byte{0})
}

// Stopped indicates whether Stop was called.
func (r *Reactor) Stopped() bool {
	return r.stopped.Load()
}

// Close releases the poller and the wakeup pipe. Descriptors still registered
// are not closed; they belong to their owners.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.stopped.Store(true)

	_ = r.Unregister(r.wakeupFDs[0], Read)
	r.wakeupMutex.Lock()
	unix.Close(r.wakeupFDs[0])
	unix.Close(r.wakeupFDs[1])
	r.wakeupFDs = [2]int{-1, -1}
	r.wakeupMutex.Unlock()

	r.registrations = make(map[int]*registration)
	return errors.Trace(r.poller.close())
}
