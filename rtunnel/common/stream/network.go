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

Package stream implements buffered, codec aware connections on top of the
reactor: Stream for connected stream sockets, Listener for accepting them,
and Datagram for unconnected datagram sockets.

A Stream delivers received bytes through its decoder Pipeline to its
Handler, and queues sent bytes, after its encoder chain, in a FIFO drained
on write readiness. Close lingers while queued output drains, bounded by
LingerTimeout; an errored Stream, or one with nothing to drain, is destroyed
at the end of the current reactor cycle. Handler.OnClosed is called exactly
once, on destruction.

All types are used from the reactor goroutine only.

*/
package stream

import (
	"net/netip"
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/reactor"
)

const (
	DEFAULT_RECEIVE_BUFFER_SIZE = 16384
	DEFAULT_LINGER_TIMEOUT      = 20 * time.Second
	DEFAULT_CONNECT_TIMEOUT     = 30 * time.Second
	DEFAULT_LISTEN_BACKLOG      = 128
	DEFAULT_ACCEPT_BACKOFF      = 100 * time.Millisecond

	MAX_DATAGRAM_SIZE = 65536
)

var (
	ErrClosing        = errors.New("stream closing")
	ErrMalformed      = errors.New("malformed input")
	ErrNotConnected   = errors.New("stream not connected")
	ErrConnectTimeout = errors.New("connect timed out")
)

// Handler receives Stream events.
type Handler interface {

	// OnReceived is called with each decoded frame. frame is only valid
	// for the duration of the call.
	OnReceived(s *Stream, frame []byte)

	// OnSent is called after bytes from the send queue are written,
	// including partial writes; n is the number of bytes written.
	OnSent(s *Stream, n int)

	// OnClosed is called once, when the Stream is destroyed.
	OnClosed(s *Stream)
}

// ConnectHandler is optionally implemented by a Handler to learn when an
// outbound connect completes. A non-nil err means the connect failed and the
// Stream is closing.
type ConnectHandler interface {
	OnConnected(s *Stream, err error)
}

// AcceptHandler receives accepted Streams. OnAccepted must call Start, or
// the Stream is closed when OnAccepted returns.
type AcceptHandler interface {
	OnAccepted(l *Listener, s *Stream)
}

// DatagramHandler receives Datagram events.
type DatagramHandler interface {

	// OnPacket is called with each received datagram. payload is only valid
	// for the duration of the call.
	OnPacket(d *Datagram, from netip.AddrPort, payload []byte)

	// OnClosed is called once, when the Datagram is destroyed.
	OnClosed(d *Datagram)
}

// Config specifies Network parameters. Zero values select defaults.
type Config struct {
	ReceiveBufferSize int
	LingerTimeout     time.Duration
	ConnectTimeout    time.Duration
	ListenBacklog     int
	AcceptBackoff     time.Duration
}

// Network creates Streams, Listeners and Datagrams bound to one reactor,
// and owns the receive scratch buffers they share.
type Network struct {
	reactor         *reactor.Reactor
	config          Config
	logger          common.Logger
	receiveBuffer   []byte
	datagramBuffer  []byte
	nextID          uint64
	streams         map[*Stream]struct{}
	datagrams       map[*Datagram]struct{}
}

// NewNetwork creates a Network. logger may be nil.
func NewNetwork(r *reactor.Reactor, config *Config, logger common.Logger) *Network {

	var c Config
	if config != nil {
		c = *config
	}
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = DEFAULT_RECEIVE_BUFFER_SIZE
	}
	if c.LingerTimeout <= 0 {
		c.LingerTimeout = DEFAULT_LINGER_TIMEOUT
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DEFAULT_CONNECT_TIMEOUT
	}
	if c.ListenBacklog <= 0 {
		c.ListenBacklog = DEFAULT_LISTEN_BACKLOG
	}
	if c.AcceptBackoff <= 0 {
		c.AcceptBackoff = DEFAULT_ACCEPT_BACKOFF
	}
	if logger == nil {
		logger = common.NopLogger{}
	}

	return &Network{
		reactor:        r,
		config:         c,
		logger:         logger,
		receiveBuffer:  make([]byte, c.ReceiveBufferSize),
		datagramBuffer: make([]byte, MAX_DATAGRAM_SIZE),
		streams:        make(map[*Stream]struct{}),
		datagrams:      make(map[*Datagram]struct{}),
	}
}

func (n *Network) Reactor() *reactor.Reactor {
	return n.reactor
}

func (n *Network) Config() Config {
	return n.config
}

func (n *Network) Logger() common.Logger {
	return n.logger
}

// ActiveStreams returns the number of Streams not yet destroyed.
func (n *Network) ActiveStreams() int {
	return len(n.streams)
}

// ActiveDatagrams returns the number of Datagrams not yet destroyed.
func (n *Network) ActiveDatagrams() int {
	return len(n.datagrams)
}

// Shutdown destroys every Stream and Datagram not yet destroyed, without
// lingering; queued output is discarded. Handlers see OnClosed as usual.
// Call Shutdown before closing the reactor.
func (n *Network) Shutdown() {
	for s := range n.streams {
		s.destroy()
	}
	for d := range n.datagrams {
		d.destroy()
	}
}

func (n *Network) allocateID() uint64 {
	n.nextID += 1
	return n.nextID
}
