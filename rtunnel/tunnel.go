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
	"math"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/obfuscator"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/resolver"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/stream"
	"golang.org/x/time/rate"
)

// tunnelContext holds what all tunnels run by one set of services share.
// It is used only from the reactor goroutine.
type tunnelContext struct {
	config   *Config
	network  *stream.Network
	resolver resolver.Resolver
	metrics  *Metrics
	logger   common.Logger
	nextID   uint64
}

func newTunnelContext(
	config *Config,
	network *stream.Network,
	res resolver.Resolver,
	metrics *Metrics) *tunnelContext {

	if metrics == nil {
		metrics = NewMetrics()
	}
	return &tunnelContext{
		config:   config,
		network:  network,
		resolver: res,
		metrics:  metrics,
		logger:   network.Logger(),
	}
}

func (c *tunnelContext) allocateID() uint64 {
	c.nextID += 1
	return c.nextID
}

func (c *tunnelContext) relayConfig() relayConfig {
	return relayConfig{
		highWatermark: c.config.HighWatermarkBytes,
		lowWatermark:  c.config.LowWatermarkBytes,
	}
}

// newLimiter returns the accept rate limiter, or nil when accepts are not
// limited.
func (c *tunnelContext) newLimiter() *rate.Limiter {
	if c.config.AcceptRateLimit <= 0 {
		return nil
	}
	burst := c.config.AcceptBurst
	if burst == 0 {
		burst = int(math.Ceil(c.config.AcceptRateLimit))
	}
	return rate.NewLimiter(rate.Limit(c.config.AcceptRateLimit), burst)
}

// pushCodecs installs the configured compression and obfuscation stages.
// The connect side back stream frames its output as HTTP requests and
// expects HTTP responses; the accept side front stream mirrors it.
func (c *tunnelContext) pushCodecs(s *stream.Stream, request bool) {

	config := c.config

	if config.Obfuscate {
		s.PushDecoder(obfuscator.NewHTTPDecoder(!request))
		s.PushDecoder(obfuscator.NewXORDecoder(config.obfuscationKey))
	}
	if config.Compress {
		s.PushDecoder(obfuscator.NewSnappyDecoder())
		s.PushEncoder(obfuscator.NewSnappyEncoder())
	}
	if config.Obfuscate {
		s.PushEncoder(obfuscator.NewXOREncoder(config.obfuscationKey))
		s.PushEncoder(obfuscator.NewHTTPEncoder(request, config.ObfuscationHTTPHost))
	}
}
