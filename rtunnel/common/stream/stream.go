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
	"io"
	"net/netip"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/reactor"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/socket"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/timer"
	"github.com/eapache/queue"
)

// Stream is a connected stream socket with a send queue and codec chains.
type Stream struct {
	network  *Network
	id       uint64
	socket   *socket.Socket
	handler  Handler
	remote   netip.AddrPort
	pipeline *Pipeline
	encoders []Encoder

	sendQueue    *queue.Queue
	headOffset   int
	pendingBytes int

	connecting      bool
	connected       bool
	started         bool
	closing         bool
	destroyed       bool
	paused          bool
	readRegistered  bool
	writeRegistered bool
	err             error

	connectTimer *timer.Timer
	lingerTimer  *timer.Timer
	destroyTimer *timer.Timer

	bytesReceived int64
	bytesSent     int64
}

// NewStream creates an unconnected Stream. Call Connect to open it.
func (n *Network) NewStream(handler Handler) *Stream {
	s := n.newStream(nil, netip.AddrPort{})
	s.handler = handler
	return s
}

func (n *Network) newStream(sock *socket.Socket, remote netip.AddrPort) *Stream {
	s := &Stream{
		network:   n,
		id:        n.allocateID(),
		socket:    sock,
		remote:    remote,
		sendQueue: queue.New(),
	}
	s.pipeline = NewPipeline(s.deliver)
	s.pipeline.SetHalt(func() bool { return s.closing })
	s.connectTimer = timer.NewTimer(s.onConnectTimeout)
	s.lingerTimer = timer.NewTimer(s.onLingerTimeout)
	s.destroyTimer = timer.NewTimer(s.destroy)
	n.streams[s] = struct{}{}
	s.logTrace().Debug("stream created")
	return s
}

func (s *Stream) logFields() common.LogFields {
	fields := common.LogFields{"stream": s.id}
	if s.remote.IsValid() {
		fields["remote"] = s.remote.String()
	}
	return fields
}

func (s *Stream) logTrace() common.LogTrace {
	return s.network.logger.WithTraceFields(s.logFields())
}

func (s *Stream) timers() *timer.Queue {
	return s.network.reactor.Timers()
}

// ID returns an identifier unique within the Network.
func (s *Stream) ID() uint64 {
	return s.id
}

func (s *Stream) Network() *Network {
	return s.network
}

func (s *Stream) Handler() Handler {
	return s.handler
}

// SetHandler replaces the event handler.
func (s *Stream) SetHandler(handler Handler) {
	s.handler = handler
}

// RemoteAddr returns the connected, or connecting, peer address.
func (s *Stream) RemoteAddr() netip.AddrPort {
	return s.remote
}

// LocalAddr returns the local address of the socket.
func (s *Stream) LocalAddr() (netip.AddrPort, error) {
	if s.socket == nil {
		return netip.AddrPort{}, errors.Trace(ErrNotConnected)
	}
	addr, err := s.socket.LocalAddr()
	if err != nil {
		return netip.AddrPort{}, errors.Trace(err)
	}
	return addr, nil
}

func (s *Stream) Connected() bool {
	return s.connected
}

func (s *Stream) Closing() bool {
	return s.closing
}

func (s *Stream) Destroyed() bool {
	return s.destroyed
}

// Err returns the error that closed the Stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// PendingBytes returns the number of encoded bytes queued and not yet
// written.
func (s *Stream) PendingBytes() int {
	return s.pendingBytes
}

// BytesReceived returns the number of bytes read from the socket.
func (s *Stream) BytesReceived() int64 {
	return s.bytesReceived
}

// BytesSent returns the number of bytes written to the socket.
func (s *Stream) BytesSent() int64 {
	return s.bytesSent
}

// PushDecoder appends a receive stage after the existing stages.
func (s *Stream) PushDecoder(decoder Decoder) *Stage {
	return s.pipeline.Push(decoder)
}

// PopDecoder removes the last receive stage. Bytes the stage was still
// holding are delivered, undecoded, to the stages after it.
func (s *Stream) PopDecoder() Decoder {
	return s.pipeline.Pop()
}

// RemoveDecoder removes a specific receive stage.
func (s *Stream) RemoveDecoder(stage *Stage) bool {
	return s.pipeline.Remove(stage)
}

// Decoders returns the number of receive stages.
func (s *Stream) Decoders() int {
	return s.pipeline.Len()
}

// PushEncoder appends a send stage; stages run in push order.
func (s *Stream) PushEncoder(encoder Encoder) {
	s.encoders = append(s.encoders, encoder)
}

// PopEncoder removes the last send stage.
func (s *Stream) PopEncoder() Encoder {
	if len(s.encoders) == 0 {
		return nil
	}
	last := len(s.encoders) - 1
	encoder := s.encoders[last]
	s.encoders[last] = nil
	s.encoders = s.encoders[:last]
	return encoder
}

// Connect starts connecting to addr. Completion, success or failure, is
// reported to a ConnectHandler; a connect that does not complete within
// ConnectTimeout fails. Sends made while connecting are queued.
func (s *Stream) Connect(addr netip.AddrPort) error {

	if s.closing {
		return errors.Trace(ErrClosing)
	}
	if s.socket != nil {
		return errors.TraceNew("stream already opened")
	}

	sock, err := socket.OpenFor(socket.KindStream, addr)
	if err != nil {
		return errors.Trace(err)
	}

	err = sock.Connect(addr)
	if err != nil && !errors.Is(err, socket.ErrInProgress) {
		sock.Close()
		return errors.Trace(err)
	}

	s.socket = sock
	s.remote = addr
	s.connecting = true
	s.started = true

	// An immediate connect is also completed through write readiness, so
	// that OnConnected is never called from within Connect.
	err = s.registerWrite()
	if err != nil {
		s.socket = nil
		s.connecting = false
		sock.Close()
		return errors.Trace(err)
	}

	err = s.timers().Arm(s.connectTimer, s.network.config.ConnectTimeout)
	if err != nil {
		s.unregisterWrite()
		s.socket = nil
		s.connecting = false
		sock.Close()
		return errors.Trace(err)
	}

	s.logTrace().Debug("stream connecting")
	return nil
}

// Start begins receiving on an accepted Stream.
func (s *Stream) Start(handler Handler) error {
	if s.closing {
		return errors.Trace(ErrClosing)
	}
	if s.started {
		return errors.TraceNew("stream already started")
	}
	s.handler = handler
	s.started = true
	err := s.updateRead()
	if err != nil {
		s.fail(err)
		return errors.Trace(err)
	}
	return nil
}

// Send encodes buffer and appends it to the send queue. buffer is not
// retained. Sends made before Connect, or while connecting, are written once
// connected.
func (s *Stream) Send(buffer []byte) error {

	if s.closing {
		return errors.Trace(ErrClosing)
	}

	var data []byte
	if len(s.encoders) == 0 {
		data = append([]byte(nil), buffer...)
	} else {
		data = buffer
		for _, encoder := range s.encoders {
			data = encoder.Encode(data)
		}
	}
	if len(data) == 0 {
		return nil
	}

	s.sendQueue.Add(data)
	s.pendingBytes += len(data)

	if s.connected && !s.writeRegistered {
		err := s.registerWrite()
		if err != nil {
			s.fail(err)
			return errors.Trace(err)
		}
	}
	return nil
}

// PauseReceiving stops reading from the socket.
func (s *Stream) PauseReceiving() {
	if s.paused {
		return
	}
	s.paused = true
	s.logTrace().Debug("stream paused")
	err := s.updateRead()
	if err != nil {
		s.fail(err)
	}
}

// ResumeReceiving resumes reading from the socket.
func (s *Stream) ResumeReceiving() {
	if !s.paused {
		return
	}
	s.paused = false
	s.logTrace().Debug("stream resumed")
	err := s.updateRead()
	if err != nil {
		s.fail(err)
	}
}

func (s *Stream) Paused() bool {
	return s.paused
}

// Close closes the Stream. Reading stops immediately. Queued output keeps
// draining for up to LingerTimeout; with nothing queued, the Stream is
// destroyed at the end of the current reactor cycle. Close is idempotent.
func (s *Stream) Close() {

	if s.closing {
		return
	}
	s.closing = true
	s.updateRead()

	if s.err != nil || s.pendingBytes == 0 || s.socket == nil {
		s.scheduleDestroy()
		return
	}

	err := s.timers().Arm(s.lingerTimer, s.network.config.LingerTimeout)
	if err != nil {
		s.logTrace().Warning(errors.Trace(err))
		s.scheduleDestroy()
		return
	}
	fields := s.logFields()
	fields["pendingBytes"] = s.pendingBytes
	s.network.logger.WithTraceFields(fields).Debug("stream lingering")
}

// fail records err and closes without lingering.
func (s *Stream) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	if !s.closing {
		s.closing = true
		s.updateRead()
	}
	s.scheduleDestroy()
}

// scheduleDestroy stops all I/O and destroys the Stream at the end of the
// current reactor cycle.
func (s *Stream) scheduleDestroy() {
	if s.destroyed || s.destroyTimer.Armed() {
		return
	}
	timers := s.timers()
	timers.Disarm(s.lingerTimer)
	timers.Disarm(s.connectTimer)
	s.unregisterRead()
	s.unregisterWrite()
	err := timers.Arm(s.destroyTimer, 0)
	if err != nil {
		s.destroy()
	}
}

func (s *Stream) destroy() {

	if s.destroyed {
		return
	}
	s.destroyed = true
	s.closing = true

	timers := s.timers()
	timers.Disarm(s.lingerTimer)
	timers.Disarm(s.connectTimer)
	timers.Disarm(s.destroyTimer)
	s.unregisterRead()
	s.unregisterWrite()

	for s.sendQueue.Length() > 0 {
		s.sendQueue.Remove()
	}
	s.headOffset = 0
	s.pendingBytes = 0
	s.pipeline.Reset()
	s.encoders = nil

	if s.socket != nil {
		s.socket.Close()
	}
	s.connected = false
	delete(s.network.streams, s)

	fields := s.logFields()
	fields["bytesReceived"] = s.bytesReceived
	fields["bytesSent"] = s.bytesSent
	if s.err != nil {
		fields["error"] = s.err.Error()
	}
	s.network.logger.WithTraceFields(fields).Debug("stream destroyed")

	if s.handler != nil {
		s.handler.OnClosed(s)
	}
}

func (s *Stream) onConnectTimeout() {
	s.completeConnect(errors.Trace(ErrConnectTimeout))
}

func (s *Stream) onLingerTimeout() {
	fields := s.logFields()
	fields["pendingBytes"] = s.pendingBytes
	s.network.logger.WithTraceFields(fields).Debug("stream linger expired")
	s.destroy()
}

// completeConnect finishes a connect with the socket result, or with
// failure when timedOut is non-nil.
func (s *Stream) completeConnect(timedOut error) {

	s.connecting = false
	s.timers().Disarm(s.connectTimer)

	err := timedOut
	if err == nil {
		err = s.socket.CompleteConnect()
	}

	connectHandler, _ := s.handler.(ConnectHandler)

	if err != nil {
		s.fail(err)
		if connectHandler != nil {
			connectHandler.OnConnected(s, err)
		}
		return
	}

	s.connected = true
	if s.pendingBytes == 0 {
		s.unregisterWrite()
	}
	err = s.updateRead()
	if err != nil {
		s.fail(err)
		if connectHandler != nil {
			connectHandler.OnConnected(s, err)
		}
		return
	}

	s.logTrace().Debug("stream connected")
	if connectHandler != nil {
		connectHandler.OnConnected(s, nil)
	}
}

func (s *Stream) deliver(frame []byte) {
	if s.handler != nil {
		s.handler.OnReceived(s, frame)
	}
}

func (s *Stream) onReadable() {

	buffer := s.network.receiveBuffer

	for !s.closing && !s.paused {

		n, err := s.socket.Recv(buffer)
		if err == io.EOF {
			s.logTrace().Debug("stream peer shutdown")
			s.Close()
			return
		}
		if err != nil {
			if errors.Is(err, socket.ErrWouldBlock) {
				return
			}
			s.fail(err)
			return
		}

		s.bytesReceived += int64(n)

		err = s.pipeline.Feed(buffer[:n])
		if err != nil {
			s.logTrace().Warning(errors.Trace(err))
			s.fail(err)
			return
		}
	}
}

func (s *Stream) onWritable() {

	if s.connecting {
		s.completeConnect(nil)
		return
	}

	for s.sendQueue.Length() > 0 {

		head := s.sendQueue.Peek().([]byte)
		n, err := s.socket.Send(head[s.headOffset:])
		if err != nil {
			if errors.Is(err, socket.ErrWouldBlock) {
				return
			}
			s.fail(err)
			return
		}

		s.bytesSent += int64(n)
		s.pendingBytes -= n
		s.headOffset += n

		partial := s.headOffset < len(head)
		if !partial {
			s.sendQueue.Remove()
			s.headOffset = 0
		}

		if s.handler != nil && n > 0 {
			s.handler.OnSent(s, n)
		}
		if s.destroyed || s.destroyTimer.Armed() {
			return
		}

		if partial {
			// The socket buffer is full; wait for the next readiness.
			return
		}
	}

	s.unregisterWrite()

	if s.closing {
		// Linger complete.
		s.scheduleDestroy()
	}
}

// updateRead registers or unregisters read interest to match the state.
func (s *Stream) updateRead() error {
	want := s.started && s.connected && !s.closing && !s.paused
	if want == s.readRegistered {
		return nil
	}
	if !want {
		s.unregisterRead()
		return nil
	}
	err := s.network.reactor.Register(s.socket.FD(), reactor.Read, s.onReadable)
	if err != nil {
		return errors.Trace(err)
	}
	s.readRegistered = true
	return nil
}

func (s *Stream) unregisterRead() {
	if !s.readRegistered {
		return
	}
	s.readRegistered = false
	_ = s.network.reactor.Unregister(s.socket.FD(), reactor.Read)
}

func (s *Stream) registerWrite() error {
	if s.writeRegistered {
		return nil
	}
	err := s.network.reactor.Register(s.socket.FD(), reactor.Write, s.onWritable)
	if err != nil {
		return errors.Trace(err)
	}
	s.writeRegistered = true
	return nil
}

func (s *Stream) unregisterWrite() {
	if !s.writeRegistered {
		return
	}
	s.writeRegistered = false
	_ = s.network.reactor.Unregister(s.socket.FD(), reactor.Write)
}
