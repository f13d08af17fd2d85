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

package rtunnel

import (
	"net/netip"
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/resolver"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/socket"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/stream"
	"golang.org/x/time/rate"
)

// TCPTunnel accepts connections at a local address and relays each one
// over a new back connection.
//
// On the connect side, the back connection is made to the via address and
// starts with a destination record for the to address. On the accept side,
// the destination record is read from the front connection, checked
// against the destination policy, and the back connection is made to the
// destination.
type TCPTunnel struct {
	context    *tunnelContext
	acceptSide bool
	via        socket.Address
	to         socket.Address
	listener   *stream.Listener
	limiter    *rate.Limiter
	relays     map[*Relay]struct{}
	closed     bool
}

// newTCPTunnel starts listening at from. tuple is nil for an accept side
// tunnel.
func newTCPTunnel(
	context *tunnelContext, from netip.AddrPort, tuple *connectTuple) (*TCPTunnel, error) {

	t := &TCPTunnel{
		context:    context,
		acceptSide: tuple == nil,
		limiter:    context.newLimiter(),
		relays:     make(map[*Relay]struct{}),
	}
	if tuple != nil {
		t.via = tuple.via
		t.to = tuple.to
	}

	listener, err := context.network.Listen(from, t)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t.listener = listener

	fields := common.LogFields{
		"protocol": "tcp",
		"address":  listener.Addr().String(),
	}
	if !t.acceptSide {
		fields["via"] = t.via.String()
		fields["to"] = t.to.String()
	}
	t.context.logger.WithTraceFields(fields).Info("tunnel listening")

	return t, nil
}

// Addr returns the listening address.
func (t *TCPTunnel) Addr() netip.AddrPort {
	return t.listener.Addr()
}

// ActiveRelays returns the number of relays not yet destroyed.
func (t *TCPTunnel) ActiveRelays() int {
	return len(t.relays)
}

// Close stops accepting and closes all relays. Relays are destroyed as
// their streams close.
func (t *TCPTunnel) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.listener.Close()
	for relay := range t.relays {
		for _, side := range relay.sides {
			if side.endpoint != nil && side.state != sideClosed {
				side.endpoint.Close()
			}
		}
	}
}

// OnAccepted implements stream.AcceptHandler.
func (t *TCPTunnel) OnAccepted(_ *stream.Listener, front *stream.Stream) {

	metrics := t.context.metrics

	if t.closed {
		return
	}

	if t.limiter != nil && !t.limiter.Allow() {
		metrics.relaysRejected.WithLabelValues("tcp", "rate_limit").Inc()
		t.context.logger.WithTraceFields(common.LogFields{
			"remote": front.RemoteAddr().String(),
		}).Debug("accept rate limited")
		// The listener closes the unstarted front stream.
		return
	}

	relay := newRelay(
		t.context.allocateID(),
		t.context.relayConfig(),
		t.context.logger,
		t.onRelayDestroyed)
	relay.onConnected = t.onRelayConnected

	back := t.context.network.NewStream(relay.sides[BACK_SIDE])
	relay.attach(FRONT_SIDE, front)
	relay.attach(BACK_SIDE, back)

	t.relays[relay] = struct{}{}
	metrics.relaysAccepted.WithLabelValues("tcp").Inc()
	metrics.relaysActive.Inc()

	fields := relay.logFields()
	fields["remote"] = front.RemoteAddr().String()
	t.context.logger.WithTraceFields(fields).Debug("relay accepted")

	if t.acceptSide {

		t.context.pushCodecs(front, false)

		var splitterStage *stream.Stage
		splitterStage = front.PushDecoder(&destinationSplitter{
			policy: t.context.config.destinationPolicy,
			onDestination: func(address socket.Address) {
				front.RemoveDecoder(splitterStage)
				t.connect(relay, back, address)
			},
		})

		err := front.Start(relay.sides[FRONT_SIDE])
		if err != nil {
			t.context.logger.WithTraceFields(relay.logFields()).Warning(errors.Trace(err))
		}
		return
	}

	t.context.pushCodecs(back, true)

	err := front.Start(relay.sides[FRONT_SIDE])
	if err != nil {
		t.context.logger.WithTraceFields(relay.logFields()).Warning(errors.Trace(err))
		return
	}

	record, err := EncodeDestination(t.to)
	if err == nil {
		err = back.Send(record)
	}
	if err != nil {
		t.context.logger.WithTraceFields(relay.logFields()).Warning(errors.Trace(err))
		back.Close()
		return
	}

	t.connect(relay, back, t.via)
}

// connect resolves address and connects the back stream. Failures close the
// back stream, which closes the relay.
func (t *TCPTunnel) connect(relay *Relay, back *stream.Stream, address socket.Address) {

	relay.destination = address.String()

	fields := relay.logFields()
	t.context.logger.WithTraceFields(fields).Debug("relay connecting")

	resolver.Resolve(t.context.resolver, address, func(addr netip.AddrPort, err error) {

		if relay.Destroyed() || back.Closing() {
			return
		}

		if err == nil {
			err = back.Connect(addr)
		}
		if err != nil {
			t.context.metrics.connectFailures.Inc()
			fields := relay.logFields()
			fields["error"] = err.Error()
			t.context.logger.WithTraceFields(fields).Warning("relay connect failed")
			back.Close()
		}
	})
}

func (t *TCPTunnel) onRelayConnected(relay *Relay, err error) {
	if err != nil {
		t.context.metrics.connectFailures.Inc()
		return
	}
	t.context.metrics.connectDuration.Observe(relay.connectTime.Seconds())
}

func (t *TCPTunnel) onRelayDestroyed(relay *Relay) {

	delete(t.relays, relay)

	metrics := t.context.metrics
	metrics.relaysActive.Dec()
	metrics.relayBytes.WithLabelValues("tcp", "up").Add(
		float64(relay.sides[FRONT_SIDE].bytesReceived))
	metrics.relayBytes.WithLabelValues("tcp", "down").Add(
		float64(relay.sides[BACK_SIDE].bytesReceived))
	metrics.relayDuration.Observe(time.Since(relay.startTime).Seconds())
}
