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
	"github.com/eapache/queue"
)

type packet struct {
	to      netip.AddrPort
	payload []byte
}

// Datagram is an unconnected datagram socket with a send queue.
type Datagram struct {
	network         *Network
	id              uint64
	socket          *socket.Socket
	handler         DatagramHandler
	sendQueue       *queue.Queue
	pendingBytes    int
	closing         bool
	destroyed       bool
	paused          bool
	readRegistered  bool
	writeRegistered bool
	destroyTimer    *timer.Timer
	packetsReceived int64
	packetsSent     int64
	packetsDropped  int64
}

// ListenDatagram opens a datagram socket bound to addr.
func (n *Network) ListenDatagram(addr netip.AddrPort, handler DatagramHandler) (*Datagram, error) {

	sock, err := socket.OpenFor(socket.KindDatagram, addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	err = sock.SetReuseAddr()
	if err == nil {
		err = sock.Bind(addr)
	}
	if err != nil {
		sock.Close()
		return nil, errors.Trace(err)
	}

	d, err := n.newDatagram(sock, handler)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// NewDatagram opens an unbound datagram socket for family, unix.AF_INET or
// unix.AF_INET6. The system assigns a local port on the first send.
func (n *Network) NewDatagram(family int, handler DatagramHandler) (*Datagram, error) {

	sock, err := socket.Open(socket.KindDatagram, family)
	if err != nil {
		return nil, errors.Trace(err)
	}

	d, err := n.newDatagram(sock, handler)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

func (n *Network) newDatagram(sock *socket.Socket, handler DatagramHandler) (*Datagram, error) {

	d := &Datagram{
		network:   n,
		id:        n.allocateID(),
		socket:    sock,
		handler:   handler,
		sendQueue: queue.New(),
	}
	d.destroyTimer = timer.NewTimer(d.destroy)

	err := d.updateRead()
	if err != nil {
		sock.Close()
		return nil, errors.Trace(err)
	}

	n.datagrams[d] = struct{}{}
	return d, nil
}

func (d *Datagram) ID() uint64 {
	return d.id
}

// LocalAddr returns the bound local address.
func (d *Datagram) LocalAddr() (netip.AddrPort, error) {
	addr, err := d.socket.LocalAddr()
	if err != nil {
		return netip.AddrPort{}, errors.Trace(err)
	}
	return addr, nil
}

// PendingBytes returns the number of payload bytes queued and not yet sent.
func (d *Datagram) PendingBytes() int {
	return d.pendingBytes
}

func (d *Datagram) Closing() bool {
	return d.closing
}

// PacketsDropped returns the number of outgoing packets dropped on send
// errors.
func (d *Datagram) PacketsDropped() int64 {
	return d.packetsDropped
}

// Send queues payload for to. payload is not retained.
func (d *Datagram) Send(to netip.AddrPort, payload []byte) error {

	if d.closing {
		return errors.Trace(ErrClosing)
	}

	d.sendQueue.Add(&packet{to: to, payload: append([]byte(nil), payload...)})
	d.pendingBytes += len(payload)

	if !d.writeRegistered {
		err := d.network.reactor.Register(d.socket.FD(), reactor.Write, d.onWritable)
		if err != nil {
			return errors.Trace(err)
		}
		d.writeRegistered = true
	}
	return nil
}

func (d *Datagram) PauseReceiving() {
	d.paused = true
	_ = d.updateRead()
}

func (d *Datagram) ResumeReceiving() {
	d.paused = false
	err := d.updateRead()
	if err != nil {
		d.network.logger.WithTrace().Warning(errors.Trace(err))
	}
}

// Close stops all I/O and destroys the Datagram at the end of the current
// reactor cycle. Queued packets are discarded. Close is idempotent.
func (d *Datagram) Close() {
	if d.closing {
		return
	}
	d.closing = true
	_ = d.updateRead()
	d.unregisterWrite()
	err := d.network.reactor.Timers().Arm(d.destroyTimer, 0)
	if err != nil {
		d.destroy()
	}
}

func (d *Datagram) destroy() {
	if d.destroyed {
		return
	}
	d.destroyed = true
	d.closing = true
	d.network.reactor.Timers().Disarm(d.destroyTimer)
	_ = d.updateRead()
	d.unregisterWrite()
	for d.sendQueue.Length() > 0 {
		d.sendQueue.Remove()
	}
	d.pendingBytes = 0
	d.socket.Close()
	delete(d.network.datagrams, d)

	d.network.logger.WithTraceFields(common.LogFields{
		"datagram":        d.id,
		"packetsReceived": d.packetsReceived,
		"packetsSent":     d.packetsSent,
		"packetsDropped":  d.packetsDropped,
	}).Debug("datagram destroyed")

	if d.handler != nil {
		d.handler.OnClosed(d)
	}
}

func (d *Datagram) onReadable() {

	buffer := d.network.datagramBuffer

	for !d.closing && !d.paused {
		n, from, err := d.socket.RecvFrom(buffer)
		if err != nil {
			if !errors.Is(err, socket.ErrWouldBlock) {
				// Errors such as ICMP reports apply to a single packet.
				d.network.logger.WithTraceFields(
					common.LogFields{"datagram": d.id}).Debug(errors.Trace(err))
			}
			return
		}
		d.packetsReceived += 1
		d.handler.OnPacket(d, from, buffer[:n])
	}
}

func (d *Datagram) onWritable() {

	for d.sendQueue.Length() > 0 && !d.closing {

		p := d.sendQueue.Peek().(*packet)
		_, err := d.socket.SendTo(p.payload, p.to)
		if err != nil {
			if errors.Is(err, socket.ErrWouldBlock) {
				return
			}
			// A send failure, including ErrMessageTooLong, drops the packet.
			d.packetsDropped += 1
			d.network.logger.WithTraceFields(common.LogFields{
				"datagram": d.id,
				"to":       p.to.String(),
				"size":     len(p.payload),
			}).Debug(errors.Trace(err))
		} else {
			d.packetsSent += 1
		}

		d.sendQueue.Remove()
		d.pendingBytes -= len(p.payload)
	}

	d.unregisterWrite()
}

func (d *Datagram) updateRead() error {
	want := !d.closing && !d.paused
	if want == d.readRegistered {
		return nil
	}
	if !want {
		d.readRegistered = false
		return errors.Trace(d.network.reactor.Unregister(d.socket.FD(), reactor.Read))
	}
	err := d.network.reactor.Register(d.socket.FD(), reactor.Read, d.onReadable)
	if err != nil {
		return errors.Trace(err)
	}
	d.readRegistered = true
	return nil
}

func (d *Datagram) unregisterWrite() {
	if !d.writeRegistered {
		return
	}
	d.writeRegistered = false
	_ = d.network.reactor.Unregister(d.socket.FD(), reactor.Write)
}
