//go:build linux

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
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"golang.org/x/sys/unix"
)

const (
	defaultPollerType = POLLER_EPOLL

	epollBatchSize = 256
)

// epollPoller is a level-triggered epoll instance.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

func newEpollPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &epollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, epollBatchSize),
	}, nil
}

func epollFlags(interest Interest) uint32 {
	var flags uint32
	if interest&Read != 0 {
		flags |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		flags |= unix.EPOLLOUT
	}
	return flags
}

func (p *epollPoller) add(fd int, interest Interest) error {
	event := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(fd)}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &event)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (p *epollPoller) modify(fd int, interest Interest) error {
	event := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(fd)}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &event)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (p *epollPoller) remove(fd int) error {
	// Kernels before 2.6.9 require a non-nil event for EPOLL_CTL_DEL.
	var event unix.EpollEvent
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &event)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (p *epollPoller) wait(
	timeout time.Duration, events []polledEvent) ([]polledEvent, error) {

	n, err := unix.EpollWait(p.epfd, p.events, waitMilliseconds(timeout))
	if err == unix.EINTR {
		return events, nil
	} else if err != nil {
		return events, errors.Trace(err)
	}

	for i := 0; i < n; i++ {
		raw := p.events[i]
		var ready Interest
		if raw.Events&unix.EPOLLIN != 0 {
			ready |= Read
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			ready |= Write
		}
		if raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ready |= hangup
		}
		events = append(events, polledEvent{fd: int(raw.Fd), events: ready})
	}
	return events, nil
}

func (p *epollPoller) close() error {
	return errors.Trace(unix.Close(p.epfd))
}
