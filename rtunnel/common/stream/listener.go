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

package stream

import (
	"net/netip"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/reactor"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/socket"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/timer"
)

// Listener accepts Streams on a listening socket.
type Listener struct {
	network      *Network
	socket       *socket.Socket
	handler      AcceptHandler
	addr         netip.AddrPort
	backoffTimer *timer.Timer
	registered   bool
	closed       bool
	accepted     int64
}

// Listen binds and listens on addr. Port 0 selects an ephemeral port; Addr
// returns the bound address.
func (n *Network) Listen(addr netip.AddrPort, handler AcceptHandler) (*Listener, error) {

	sock, err := socket.OpenFor(socket.KindStream, addr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = sock.SetReuseAddr()
	if err == nil {
		err = sock.Bind(addr)
	}
	if err == nil {
		err = sock.Listen(n.config.ListenBacklog)
	}
	var bound netip.AddrPort
	if err == nil {
		bound, err = sock.LocalAddr()
	}
	if err != nil {
		sock.Close()
		return nil, errors.Trace(err)
	}

	l := &Listener{
		network: n,
		socket:  sock,
		handler: handler,
		addr:    bound,
	}
	l.backoffTimer = timer.NewTimer(l.onBackoffExpired)

	err = l.register()
	if err != nil {
		sock.Close()
		return nil, errors.Trace(err)
	}

	n.logger.WithTraceFields(common.LogFields{"address": bound.String()}).Info("listening")

	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

// Accepted returns the number of connections accepted.
func (l *Listener) Accepted() int64 {
	return l.accepted
}

func (l *Listener) register() error {
	if l.registered || l.closed {
		return nil
	}
	err := l.network.reactor.Register(l.socket.FD(), reactor.Read, l.onAcceptable)
	if err != nil {
		return errors.Trace(err)
	}
	l.registered = true
	return nil
}

func (l *Listener) unregister() {
	if !l.registered {
		return
	}
	l.registered = false
	_ = l.network.reactor.Unregister(l.socket.FD(), reactor.Read)
}

func (l *Listener) onAcceptable() {

	for !l.closed {

		sock, peer, err := l.socket.Accept()
		if err != nil {
			if errors.Is(err, socket.ErrWouldBlock) {
				return
			}
			// Resource exhaustion, or another listener level failure. Stop
			// accepting for a while rather than spinning on a level
			// triggered readiness that cannot be serviced.
			l.network.logger.WithTraceFields(
				common.LogFields{"address": l.addr.String()}).Warning(
				errors.Trace(err))
			l.backoff()
			return
		}

		l.accepted += 1

		s := l.network.newStream(sock, peer)
		s.connected = true

		l.handler.OnAccepted(l, s)

		if !s.started && !s.closing {
			s.Close()
		}
	}
}

func (l *Listener) backoff() {
	l.unregister()
	err := l.network.reactor.Timers().Reset(l.backoffTimer, l.network.config.AcceptBackoff)
	if err != nil {
		// No timer available; keep accepting.
		_ = l.register()
	}
}

func (l *Listener) onBackoffExpired() {
	err := l.register()
	if err != nil {
		l.network.logger.WithTrace().Warning(errors.Trace(err))
		l.backoff()
	}
}

// Close stops accepting and closes the listening socket. Accepted Streams
// are unaffected.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.unregister()
	l.closed = true
	l.network.reactor.Timers().Disarm(l.backoffTimer)
	return errors.Trace(l.socket.Close())
}
