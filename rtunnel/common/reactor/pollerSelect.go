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
	"syscall"
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/creack/goselect"
)

// selectPoller is a select(2) poller. It is limited to descriptors below
// FD_SETSIZE and rebuilds its descriptor sets on every wait.
type selectPoller struct {
	interests map[int]Interest
	readSet   goselect.FDSet
	writeSet  goselect.FDSet
}

func newSelectPoller() *selectPoller {
	return &selectPoller{
		interests: make(map[int]Interest),
	}
}

func (p *selectPoller) add(fd int, interest Interest) error {
	if fd >= goselect.FD_SETSIZE {
		return errors.Trace(ErrDescriptorLimit)
	}
	p.interests[fd] = interest
	return nil
}

func (p *selectPoller) modify(fd int, interest Interest) error {
	if _, ok := p.interests[fd]; !ok {
		return errors.Tracef("descriptor %d not registered", fd)
	}
	p.interests[fd] = interest
	return nil
}

func (p *selectPoller) remove(fd int) error {
	delete(p.interests, fd)
	return nil
}

func (p *selectPoller) wait(
	timeout time.Duration, events []polledEvent) ([]polledEvent, error) {

	p.readSet.Zero()
	p.writeSet.Zero()

	maxFD := -1
	for fd, interest := range p.interests {
		if interest&Read != 0 {
			p.readSet.Set(uintptr(fd))
		}
		if interest&Write != 0 {
			p.writeSet.Set(uintptr(fd))
		}
		if fd > maxFD {
			maxFD = fd
		}
	}

	if timeout >= 0 {
		// Match the epoll millisecond rounding.
		timeout = time.Duration(waitMilliseconds(timeout)) * time.Millisecond
	}

	err := goselect.Select(maxFD+1, &p.readSet, &p.writeSet, nil, timeout)
	if err == syscall.EINTR {
		return events, nil
	} else if err != nil {
		return events, errors.Trace(err)
	}

	for fd, interest := range p.interests {
		var ready Interest
		if interest&Read != 0 && p.readSet.IsSet(uintptr(fd)) {
			ready |= Read
		}
		if interest&Write != 0 && p.writeSet.IsSet(uintptr(fd)) {
			ready |= Write
		}
		if ready != 0 {
			events = append(events, polledEvent{fd: fd, events: ready})
		}
	}
	return events, nil
}

func (p *selectPoller) close() error {
	p.interests = make(map[int]Interest)
	return nil
}
