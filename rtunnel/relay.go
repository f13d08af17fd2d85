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
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/stream"
)

const (
	FRONT_SIDE = 0
	BACK_SIDE  = 1
)

type sideState int

const (
	sideOpen sideState = iota
	sidePaused
	sideClosed
)

func (state sideState) String() string {
	switch state {
	case sideOpen:
		return "open"
	case sidePaused:
		return "paused"
	case sideClosed:
		return "closed"
	}
	return "unknown"
}

// relayEndpoint is the subset of the Stream API the relay uses.
type relayEndpoint interface {
	Send(buffer []byte) error
	PendingBytes() int
	PauseReceiving()
	ResumeReceiving()
	Close()
}

type relayConfig struct {
	highWatermark int
	lowWatermark  int
}

// Relay forwards bytes between a front and a back endpoint.
//
// A side that has made its peer queue more than the high watermark stops
// receiving, and resumes once the peer queue drains below the low
// watermark. When one side closes, the other side is closed; the Relay is
// destroyed only once both sides have closed.
type Relay struct {
	id          uint64
	config      relayConfig
	logger      common.Logger
	sides       [2]*relaySide
	startTime   time.Time
	connectTime time.Duration
	destination string
	destroyed   bool
	onConnected func(relay *Relay, err error)
	onDestroyed func(relay *Relay)
}

type relaySide struct {
	relay         *Relay
	index         int
	endpoint      relayEndpoint
	state         sideState
	bytesReceived int64
	pauses        int64
}

func newRelay(
	id uint64,
	config relayConfig,
	logger common.Logger,
	onDestroyed func(relay *Relay)) *Relay {

	if logger == nil {
		logger = common.NopLogger{}
	}

	r := &Relay{
		id:          id,
		config:      config,
		logger:      logger,
		startTime:   time.Now(),
		connectTime: -1,
		onDestroyed: onDestroyed,
	}
	for i := range r.sides {
		r.sides[i] = &relaySide{relay: r, index: i}
	}
	return r
}

// attach sets the endpoint for a side. Both sides must be attached before
// any events are delivered.
func (r *Relay) attach(side int, endpoint relayEndpoint) {
	r.sides[side].endpoint = endpoint
}

func (r *Relay) ID() uint64 {
	return r.id
}

func (r *Relay) Destroyed() bool {
	return r.destroyed
}

func (r *Relay) sideState(side int) sideState {
	return r.sides[side].state
}

func (r *Relay) logFields() common.LogFields {
	fields := common.LogFields{"relay": r.id}
	if r.destination != "" {
		fields["destination"] = r.destination
	}
	return fields
}

// received forwards frame, received on side, to the peer.
func (r *Relay) received(side int, frame []byte) {

	this := r.sides[side]
	peer := r.sides[1-side]

	if this.state == sideClosed || peer.state == sideClosed {
		return
	}

	this.bytesReceived += int64(len(frame))

	err := peer.endpoint.Send(frame)
	if err != nil {
		r.logger.WithTraceFields(r.logFields()).Warning(errors.Trace(err))
		peer.endpoint.Close()
		return
	}

	pending := peer.endpoint.PendingBytes()
	if pending > r.config.highWatermark && this.state == sideOpen {
		this.state = sidePaused
		this.pauses += 1
		this.endpoint.PauseReceiving()
		fields := r.logFields()
		fields["side"] = side
		fields["pendingBytes"] = pending
		r.logger.WithTraceFields(fields).Debug("relay paused")
	}
}

// sent resumes the peer of side once side's queue drains below the low
// watermark.
func (r *Relay) sent(side int, _ int) {

	this := r.sides[side]
	peer := r.sides[1-side]

	if this.state == sideClosed || peer.state != sidePaused {
		return
	}

	pending := this.endpoint.PendingBytes()
	if pending < r.config.lowWatermark {
		peer.state = sideOpen
		peer.endpoint.ResumeReceiving()
		fields := r.logFields()
		fields["side"] = 1 - side
		fields["pendingBytes"] = pending
		r.logger.WithTraceFields(fields).Debug("relay resumed")
	}
}

// closed records that side has closed, closing the peer or, when the peer
// has also closed, destroying the relay.
func (r *Relay) closed(side int) {

	this := r.sides[side]
	peer := r.sides[1-side]

	if this.state == sideClosed {
		return
	}
	this.state = sideClosed

	if peer.state != sideClosed {
		peer.endpoint.Close()
		return
	}

	r.destroy()
}

func (r *Relay) destroy() {

	if r.destroyed {
		return
	}
	r.destroyed = true

	r.logger.LogMetric("relay", r.GetMetrics())

	for _, side := range r.sides {
		side.endpoint = nil
	}

	if r.onDestroyed != nil {
		r.onDestroyed(r)
	}
}

// GetMetrics implements common.MetricsSource.
func (r *Relay) GetMetrics() common.LogFields {
	fields := r.logFields()
	fields["duration"] = time.Since(r.startTime).String()
	fields["bytes_up"] = r.sides[FRONT_SIDE].bytesReceived
	fields["bytes_down"] = r.sides[BACK_SIDE].bytesReceived
	fields["front_pauses"] = r.sides[FRONT_SIDE].pauses
	fields["back_pauses"] = r.sides[BACK_SIDE].pauses
	if r.connectTime >= 0 {
		fields["connect_duration"] = r.connectTime.String()
	}
	return fields
}

// OnReceived implements stream.Handler.
func (side *relaySide) OnReceived(_ *stream.Stream, frame []byte) {
	side.relay.received(side.index, frame)
}

// OnSent implements stream.Handler.
func (side *relaySide) OnSent(_ *stream.Stream, n int) {
	side.relay.sent(side.index, n)
}

// OnClosed implements stream.Handler.
func (side *relaySide) OnClosed(_ *stream.Stream) {
	side.relay.closed(side.index)
}

// OnConnected implements stream.ConnectHandler. A failed connect is
// followed by OnClosed.
func (side *relaySide) OnConnected(s *stream.Stream, err error) {

	r := side.relay
	fields := r.logFields()
	fields["remote"] = s.RemoteAddr().String()

	if err != nil {
		fields["error"] = err.Error()
		r.logger.WithTraceFields(fields).Warning("connect failed")
	} else {
		r.connectTime = time.Since(r.startTime)
		fields["cost"] = r.connectTime.String()
		r.logger.WithTraceFields(fields).Info("connected")
	}

	if r.onConnected != nil {
		r.onConnected(r, err)
	}
}
