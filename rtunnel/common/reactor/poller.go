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
)

type polledEvent struct {
	fd     int
	events Interest
}

// poller is the readiness multiplexer under a Reactor. wait appends ready
// descriptors to events; an interrupted wait returns no events and no error.
type poller interface {
	add(fd int, interest Interest) error
	modify(fd int, interest Interest) error
	remove(fd int) error
	wait(timeout time.Duration, events []polledEvent) ([]polledEvent, error)
	close() error
}

// waitMilliseconds converts a wait bound to poller milliseconds, rounding
// up so that a wait for a timer never returns just before its deadline.
func waitMilliseconds(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
