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

// Package resolver maps logical addresses to concrete socket addresses.
//
// SystemResolver performs a blocking lookup through the Go resolver and is
// suitable for tools and tests. DNSResolver sends queries over a reactor
// driven datagram socket, so lookups never block the reactor loop.
package resolver

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/socket"
)

const (
	DEFAULT_SYSTEM_RESOLVER_TIMEOUT = 5 * time.Second
)

var (
	ErrNotFound = errors.New("no such host")
	ErrTimeout  = errors.New("resolve timed out")
	ErrClosed   = errors.New("resolver closed")
)

// Resolver resolves a logical address. done is invoked exactly once, either
// before Resolve returns or later from the reactor loop.
type Resolver interface {
	Resolve(address socket.Address, done func(netip.AddrPort, error))
}

// Resolve invokes done immediately for IP literals and otherwise defers to
// r. r may be nil when only literals are expected.
func Resolve(r Resolver, address socket.Address, done func(netip.AddrPort, error)) {
	if addr, ok := address.Literal(); ok {
		done(addr, nil)
		return
	}
	if r == nil {
		done(netip.AddrPort{}, errors.Tracef("no resolver for %s", address.Name))
		return
	}
	r.Resolve(address, done)
}

// SystemResolver resolves names with the Go resolver. Resolve blocks the
// caller for up to Timeout.
type SystemResolver struct {
	Timeout time.Duration
}

func (r *SystemResolver) Resolve(address socket.Address, done func(netip.AddrPort, error)) {

	if addr, ok := address.Literal(); ok {
		done(addr, nil)
		return
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DEFAULT_SYSTEM_RESOLVER_TIMEOUT
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", address.Name)
	if err != nil {
		if ctx.Err() != nil {
			done(netip.AddrPort{}, errors.Trace(ErrTimeout))
			return
		}
		done(netip.AddrPort{}, errors.Trace(err))
		return
	}

	addr, ok := selectAddr(addrs)
	if !ok {
		done(netip.AddrPort{}, errors.Trace(ErrNotFound))
		return
	}
	done(netip.AddrPortFrom(addr, address.Port), nil)
}

// selectAddr prefers the first IPv4 address.
func selectAddr(addrs []netip.Addr) (netip.Addr, bool) {
	var first netip.Addr
	for _, addr := range addrs {
		addr = addr.Unmap()
		if addr.Is4() {
			return addr, true
		}
		if !first.IsValid() {
			first = addr
		}
	}
	return first, first.IsValid()
}
