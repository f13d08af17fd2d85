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
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/obfuscator"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/resolver"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/socket"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/stream"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/timer"
	"golang.org/x/time/rate"
)

// UDPTunnel relays datagrams received at a local address. Each distinct
// peer gets an association: a datagram socket of its own, used to send
// the peer's packets on and to receive the replies, which are returned to
// the peer from the tunnel address.
//
// On the connect side, packets are sent to the via address, each prefixed
// with the destination record for the to address. On the accept side, the
// destination record is stripped from each packet; the destination of the
// first packet of an association is resolved and used for the life of the
// association. With obfuscation, the packets between the two sides are
// padded, XORed and checksummed.
type UDPTunnel struct {
	context      *tunnelContext
	acceptSide   bool
	addr         netip.AddrPort
	via          socket.Address
	to           socket.Address
	record       []byte
	listener     *stream.Datagram
	limiter      *rate.Limiter
	obfuscator   *obfuscator.PacketObfuscator
	associations map[netip.AddrPort]*udpAssociation
	closed       bool
}

type udpAssociation struct {
	tunnel         *UDPTunnel
	id             uint64
	peer           netip.AddrPort
	datagram       *stream.Datagram
	destination    string
	target         netip.AddrPort
	resolving      bool
	pending        [][]byte
	idleTimer      *timer.Timer
	startTime      time.Time
	packetsUp      int64
	packetsDown    int64
	bytesUp        int64
	bytesDown      int64
	packetsDropped int64
	closed         bool
}

// newUDPTunnel starts receiving at from. tuple is nil for an accept side
// tunnel.
func newUDPTunnel(
	context *tunnelContext, from netip.AddrPort, tuple *connectTuple) (*UDPTunnel, error) {

	t := &UDPTunnel{
		context:      context,
		acceptSide:   tuple == nil,
		limiter:      context.newLimiter(),
		associations: make(map[netip.AddrPort]*udpAssociation),
	}
	if tuple != nil {
		t.via = tuple.via
		t.to = tuple.to
		record, err := EncodeDestination(t.to)
		if err != nil {
			return nil, errors.Trace(err)
		}
		t.record = record
	}
	if context.config.Obfuscate {
		t.obfuscator = obfuscator.NewPacketObfuscator(
			context.config.obfuscationKey, nil)
	}

	listener, err := context.network.ListenDatagram(from, t)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t.listener = listener

	t.addr, err = listener.LocalAddr()
	if err != nil {
		listener.Close()
		return nil, errors.Trace(err)
	}
	fields := common.LogFields{
		"protocol": "udp",
		"address":  t.addr.String(),
	}
	if !t.acceptSide {
		fields["via"] = t.via.String()
		fields["to"] = t.to.String()
	}
	t.context.logger.WithTraceFields(fields).Info("tunnel listening")

	return t, nil
}

// Addr returns the local address.
func (t *UDPTunnel) Addr() netip.AddrPort {
	return t.addr
}

// ActiveAssociations returns the number of associations not yet closed.
func (t *UDPTunnel) ActiveAssociations() int {
	return len(t.associations)
}

// Close stops receiving and closes all associations.
func (t *UDPTunnel) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.listener.Close()
	for _, association := range t.associations {
		association.close()
	}
}

// OnClosed implements stream.DatagramHandler. When the tunnel socket is
// destroyed other than by Close, the tunnel stops and its associations
// are closed.
func (t *UDPTunnel) OnClosed(_ *stream.Datagram) {
	if t.closed {
		return
	}
	t.closed = true
	t.context.logger.WithTraceFields(common.LogFields{
		"protocol": "udp",
		"address":  t.addr.String(),
	}).Warning("tunnel socket closed")
	for _, association := range t.associations {
		association.close()
	}
}

func (t *UDPTunnel) drop(reason string) {
	t.context.metrics.udpPacketsDrops.WithLabelValues(reason).Inc()
}

// OnPacket implements stream.DatagramHandler for the tunnel address.
func (t *UDPTunnel) OnPacket(_ *stream.Datagram, from netip.AddrPort, payload []byte) {

	if t.closed {
		return
	}

	association := t.associations[from]

	// The destination is parsed from every accept side packet, but only the
	// first one, which creates the association, is used.

	var destination socket.Address
	if t.acceptSide {
		if t.obfuscator != nil {
			var err error
			payload, err = t.obfuscator.Deobfuscate(payload)
			if err != nil {
				t.drop("corrupt")
				return
			}
		}
		address, consumed, err := DecodeDestination(payload)
		if err == nil && consumed == 0 {
			err = errors.TraceNew("truncated destination record")
		}
		if err != nil {
			t.drop("malformed")
			t.context.logger.WithTraceFields(common.LogFields{
				"peer": from.String(),
			}).Debug(errors.Trace(err))
			return
		}
		if association == nil && !t.context.config.destinationPolicy.Allowed(address) {
			t.drop("not_allowed")
			t.context.metrics.relaysRejected.WithLabelValues("udp", "not_allowed").Inc()
			t.context.logger.WithTraceFields(common.LogFields{
				"peer":        from.String(),
				"destination": address.String(),
			}).Warning(errors.Trace(ErrDestinationNotAllowed))
			return
		}
		destination = address
		payload = payload[consumed:]
	} else {
		destination = t.via
		packet := make([]byte, 0, len(t.record)+len(payload))
		packet = append(packet, t.record...)
		packet = append(packet, payload...)
		if t.obfuscator != nil {
			packet = t.obfuscator.Obfuscate(packet)
		}
		payload = packet
	}

	if association == nil {
		var err error
		association, err = t.newAssociation(from, destination)
		if err != nil {
			t.drop("association")
			return
		}
	}

	association.sendUp(payload)
}

func (t *UDPTunnel) newAssociation(
	peer netip.AddrPort, destination socket.Address) (*udpAssociation, error) {

	metrics := t.context.metrics

	if t.limiter != nil && !t.limiter.Allow() {
		metrics.relaysRejected.WithLabelValues("udp", "rate_limit").Inc()
		return nil, errors.TraceNew("association rate limited")
	}

	a := &udpAssociation{
		tunnel:      t,
		id:          t.context.allocateID(),
		peer:        peer,
		destination: destination.String(),
		resolving:   true,
		startTime:   time.Now(),
	}
	a.idleTimer = timer.NewTimer(a.onIdle)

	err := t.context.network.Reactor().Timers().Arm(
		a.idleTimer, t.context.config.udpIdleTimeout)
	if err != nil {
		return nil, errors.Trace(err)
	}

	t.associations[peer] = a
	metrics.relaysAccepted.WithLabelValues("udp").Inc()
	metrics.associations.Inc()

	t.context.logger.WithTraceFields(a.logFields()).Debug("association created")

	resolver.Resolve(t.context.resolver, destination, a.onResolved)

	return a, nil
}

func (a *udpAssociation) logFields() common.LogFields {
	return common.LogFields{
		"association": a.id,
		"peer":        a.peer.String(),
		"destination": a.destination,
	}
}

func (a *udpAssociation) onResolved(addr netip.AddrPort, err error) {

	if a.closed {
		return
	}
	a.resolving = false

	if err == nil {
		a.datagram, err = a.tunnel.context.network.NewDatagram(
			socket.Family(addr.Addr()), a)
	}
	if err != nil {
		a.tunnel.context.metrics.connectFailures.Inc()
		fields := a.logFields()
		fields["error"] = err.Error()
		a.tunnel.context.logger.WithTraceFields(fields).Warning("association resolve failed")
		a.close()
		return
	}

	a.target = addr

	pending := a.pending
	a.pending = nil
	for _, packet := range pending {
		a.send(packet)
	}
}

// sendUp sends a packet from the peer toward the target, queueing it while
// the target is resolved.
func (a *udpAssociation) sendUp(packet []byte) {

	if a.closed {
		return
	}
	a.touch()

	if a.resolving {
		if len(a.pending) >= MAX_UDP_PENDING_PACKETS {
			a.packetsDropped += 1
			a.tunnel.drop("queue_full")
			return
		}
		a.pending = append(a.pending, append([]byte(nil), packet...))
		return
	}

	a.send(packet)
}

func (a *udpAssociation) send(packet []byte) {
	err := a.datagram.Send(a.target, packet)
	if err != nil {
		a.packetsDropped += 1
		a.tunnel.drop("send")
		return
	}
	a.packetsUp += 1
	a.bytesUp += int64(len(packet))
	a.tunnel.context.metrics.udpPackets.WithLabelValues("up").Inc()
}

// OnPacket implements stream.DatagramHandler for replies from the target.
func (a *udpAssociation) OnPacket(_ *stream.Datagram, from netip.AddrPort, payload []byte) {

	t := a.tunnel

	if a.closed || t.closed {
		return
	}
	if from != a.target {
		a.packetsDropped += 1
		t.drop("unexpected_source")
		return
	}

	if t.obfuscator != nil {
		var err error
		if t.acceptSide {
			payload = t.obfuscator.Obfuscate(payload)
		} else {
			payload, err = t.obfuscator.Deobfuscate(payload)
			if err != nil {
				a.packetsDropped += 1
				t.drop("corrupt")
				return
			}
		}
	}

	a.touch()

	err := t.listener.Send(a.peer, payload)
	if err != nil {
		a.packetsDropped += 1
		t.drop("send")
		return
	}
	a.packetsDown += 1
	a.bytesDown += int64(len(payload))
	t.context.metrics.udpPackets.WithLabelValues("down").Inc()
}

// OnClosed implements stream.DatagramHandler. An association socket closes
// only after the association closes it.
func (a *udpAssociation) OnClosed(_ *stream.Datagram) {
}

func (a *udpAssociation) touch() {
	err := a.tunnel.context.network.Reactor().Timers().Reset(
		a.idleTimer, a.tunnel.context.config.udpIdleTimeout)
	if err != nil {
		a.tunnel.context.logger.WithTraceFields(a.logFields()).Warning(errors.Trace(err))
		a.close()
	}
}

func (a *udpAssociation) onIdle() {
	a.tunnel.context.logger.WithTraceFields(a.logFields()).Debug("association idle")
	a.close()
}

func (a *udpAssociation) close() {

	if a.closed {
		return
	}
	a.closed = true

	t := a.tunnel
	t.context.network.Reactor().Timers().Disarm(a.idleTimer)
	if a.datagram != nil {
		a.datagram.Close()
	}
	a.pending = nil

	if t.associations[a.peer] == a {
		delete(t.associations, a.peer)
	}

	metrics := t.context.metrics
	metrics.associations.Dec()
	metrics.relayBytes.WithLabelValues("udp", "up").Add(float64(a.bytesUp))
	metrics.relayBytes.WithLabelValues("udp", "down").Add(float64(a.bytesDown))
	metrics.relayDuration.Observe(time.Since(a.startTime).Seconds())

	t.context.logger.LogMetric("association", a.GetMetrics())
}

// GetMetrics implements common.MetricsSource.
func (a *udpAssociation) GetMetrics() common.LogFields {
	fields := a.logFields()
	fields["duration"] = time.Since(a.startTime).String()
	fields["packets_up"] = a.packetsUp
	fields["packets_down"] = a.packetsDown
	fields["bytes_up"] = a.bytesUp
	fields["bytes_down"] = a.bytesDown
	fields["packets_dropped"] = a.packetsDropped
	return fields
}
