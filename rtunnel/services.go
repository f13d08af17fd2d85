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
	"context"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/reactor"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/resolver"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/socket"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/stream"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/timer"
	"golang.org/x/sync/errgroup"
)

// RunServices runs the tunnels specified by config until ctx is done or
// a service fails. RunServices acquires the lock file, initializes logging,
// and runs the reactor loop and, when configured, the metrics HTTP server.
// SIGUSR1 reopens the log file, for use after log rotation.
func RunServices(ctx context.Context, config *Config) error {

	if !config.IsCommitted() {
		return errors.TraceNew("config not committed")
	}

	if config.LockFilename != "" {
		lockFile, err := AcquireLockFile(config.LockFilename)
		if err != nil {
			log.WithTraceFields(LogFields{"error": err}).Error("acquire lock file failed")
			return errors.Trace(err)
		}
		defer lockFile.Release()
	}

	err := InitLogging(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("init logging failed")
		return errors.Trace(err)
	}

	log.WithTraceFields(LogFields(common.GetBuildInfo().ToMap())).Info("startup")

	metrics := NewMetrics()

	services, err := NewServices(config, metrics)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("init services failed")
		return errors.Trace(err)
	}
	defer services.Close()

	// The metrics listener is opened before any goroutines start so that a
	// bad address fails startup.
	var metricsListener net.Listener
	if config.MetricsAddress != "" {
		metricsListener, err = net.Listen("tcp", config.MetricsAddress)
		if err != nil {
			log.WithTraceFields(LogFields{"error": err}).Error("metrics listen failed")
			return errors.Trace(err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	// The reactor loop stopping, for any reason, stops all services.
	group.Go(func() error {
		defer cancel()
		return errors.Trace(services.Run(groupCtx))
	})

	if metricsListener != nil {
		server := &http.Server{
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			err := server.Serve(metricsListener)
			if err == http.ErrServerClosed {
				return nil
			}
			return errors.Trace(err)
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(), DEFAULT_METRICS_SHUTDOWN_DEADLINE)
			defer cancel()
			return errors.Trace(server.Shutdown(shutdownCtx))
		})
		log.WithTraceFields(LogFields{
			"address": metricsListener.Addr().String(),
		}).Info("metrics server listening")
	}

	// SIGUSR1 triggers a reopen of the log file
	reopenLogFileSignal := make(chan os.Signal, 1)
	signal.Notify(reopenLogFileSignal, syscall.SIGUSR1)
	defer signal.Stop(reopenLogFileSignal)

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-reopenLogFileSignal:
				err := ReopenLogFile()
				if err != nil {
					log.WithTraceFields(LogFields{"error": err}).Error("reopen log file failed")
				}
			}
		}
	})

	err = group.Wait()
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("service failed")
		return errors.Trace(err)
	}

	log.WithTrace().Info("shutdown")
	return nil
}

// Services are the tunnels specified by a config and the reactor, network
// and resolver that run them. Except for Run, Services methods must not be
// called while the reactor is running.
type Services struct {
	config      *Config
	reactor     *reactor.Reactor
	network     *stream.Network
	dnsResolver *resolver.DNSResolver
	context     *tunnelContext
	tcpTunnels  []*TCPTunnel
	udpTunnels  []*UDPTunnel
	loadTimer   *timer.Timer
	closed      bool
}

// NewServices creates the reactor and starts listening for all configured
// tunnels. metrics may be nil.
func NewServices(config *Config, metrics *Metrics) (*Services, error) {

	if !config.IsCommitted() {
		return nil, errors.TraceNew("config not committed")
	}

	r, err := reactor.New(&reactor.Config{
		PollerType:         config.PollerType,
		TimerQueueCapacity: config.TimerQueueCapacity,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	network := stream.NewNetwork(
		r,
		&stream.Config{
			ReceiveBufferSize: config.ReceiveBufferSize,
			LingerTimeout:     config.linger,
			ConnectTimeout:    config.connectTimeout,
			ListenBacklog:     config.ListenBacklog,
		},
		CommonLogger(log))

	s := &Services{
		config:  config,
		reactor: r,
		network: network,
	}

	var res resolver.Resolver
	dnsResolver, err := resolver.NewDNSResolver(
		network,
		&resolver.DNSResolverConfig{
			Servers:      config.DNSServers,
			QueryTimeout: config.dnsQueryTimeout,
		})
	if err != nil {
		// As with a missing /etc/resolv.conf, fall back to the Go resolver,
		// which blocks the reactor while resolving.
		log.WithTraceFields(LogFields{"error": err}).Warning(
			"failed to configure DNS resolver; using system resolver")
		res = &resolver.SystemResolver{Timeout: config.dnsQueryTimeout}
	} else {
		s.dnsResolver = dnsResolver
		res = dnsResolver
		log.WithTraceFields(LogFields{
			"servers": fmtAddrPorts(dnsResolver.Servers()),
		}).Debug("DNS resolver configured")
	}

	s.context = newTunnelContext(config, network, res, metrics)

	err = s.startTunnels()
	if err != nil {
		s.Close()
		return nil, errors.Trace(err)
	}

	if config.loadMonitorPeriod > 0 {
		s.loadTimer = timer.NewTimer(s.onLoadTimer)
		err = r.Timers().Arm(s.loadTimer, config.loadMonitorPeriod)
		if err != nil {
			s.Close()
			return nil, errors.Trace(err)
		}
	}

	return s, nil
}

func (s *Services) startTunnels() error {

	config := s.config

	start := func(from socket.Address, tuple *connectTuple) error {
		addr, err := resolveBindAddress(from)
		if err != nil {
			return errors.Trace(err)
		}
		if config.UDPMode {
			tunnel, err := newUDPTunnel(s.context, addr, tuple)
			if err != nil {
				return errors.Trace(err)
			}
			s.udpTunnels = append(s.udpTunnels, tunnel)
		} else {
			tunnel, err := newTCPTunnel(s.context, addr, tuple)
			if err != nil {
				return errors.Trace(err)
			}
			s.tcpTunnels = append(s.tcpTunnels, tunnel)
		}
		return nil
	}

	for _, address := range config.acceptAddresses {
		err := start(address, nil)
		if err != nil {
			return errors.Trace(err)
		}
	}
	for i := range config.connectTuples {
		err := start(config.connectTuples[i].from, &config.connectTuples[i])
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// resolveBindAddress resolves a local listening address. Names are resolved
// with the blocking Go resolver, as this happens once, at startup.
func resolveBindAddress(address socket.Address) (netip.AddrPort, error) {
	var result netip.AddrPort
	var resultErr error
	resolver.Resolve(
		&resolver.SystemResolver{},
		address,
		func(addr netip.AddrPort, err error) {
			result, resultErr = addr, err
		})
	if resultErr != nil {
		return netip.AddrPort{}, errors.Trace(resultErr)
	}
	return result, nil
}

// Run runs the reactor loop until ctx is done.
func (s *Services) Run(ctx context.Context) error {
	return errors.Trace(s.reactor.Run(ctx))
}

func (s *Services) Reactor() *reactor.Reactor {
	return s.reactor
}

func (s *Services) TCPTunnels() []*TCPTunnel {
	return s.tcpTunnels
}

func (s *Services) UDPTunnels() []*UDPTunnel {
	return s.udpTunnels
}

// Close closes all tunnels, runs one final reactor cycle to release
// closed sockets, destroys any streams still lingering on queued output,
// and closes the reactor.
func (s *Services) Close() {

	if s.closed {
		return
	}
	s.closed = true

	if s.loadTimer != nil {
		s.reactor.Timers().Disarm(s.loadTimer)
	}
	for _, tunnel := range s.tcpTunnels {
		tunnel.Close()
	}
	for _, tunnel := range s.udpTunnels {
		tunnel.Close()
	}
	if s.dnsResolver != nil {
		s.dnsResolver.Close()
	}

	err := s.reactor.RunOnce(0)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Warning("final reactor cycle failed")
	}
	s.network.Shutdown()
	s.reactor.Close()
}

func (s *Services) onLoadTimer() {
	s.logLoad()
	err := s.reactor.Timers().Arm(s.loadTimer, s.config.loadMonitorPeriod)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Warning("arm load timer failed")
	}
}

// logLoad emits a load metric log and updates the sampled gauges.
func (s *Services) logLoad() {

	relays := 0
	for _, tunnel := range s.tcpTunnels {
		relays += tunnel.ActiveRelays()
	}
	associations := 0
	for _, tunnel := range s.udpTunnels {
		associations += tunnel.ActiveAssociations()
	}

	fields := LogFields{
		"streams":      s.network.ActiveStreams(),
		"datagrams":    s.network.ActiveDatagrams(),
		"timers":       s.reactor.Timers().Len(),
		"relays":       relays,
		"associations": associations,
	}

	metrics := s.context.metrics
	metrics.streamsActive.Set(float64(s.network.ActiveStreams()))
	metrics.datagramsActive.Set(float64(s.network.ActiveDatagrams()))
	metrics.timersArmed.Set(float64(s.reactor.Timers().Len()))

	if s.dnsResolver != nil {
		dnsMetrics := s.dnsResolver.GetMetrics()
		for name, value := range dnsMetrics {
			fields[name] = value
		}
		metrics.dnsCacheHits.Set(float64(dnsMetrics["dns_cache_hits"].(int64)))
		metrics.dnsQueriesSent.Set(float64(dnsMetrics["dns_queries_sent"].(int64)))
		metrics.dnsQueryTimeouts.Set(float64(dnsMetrics["dns_query_timeouts"].(int64)))
	}

	log.LogMetric("load", fields)
}

func fmtAddrPorts(addrs []netip.AddrPort) []string {
	strs := make([]string, len(addrs))
	for i, addr := range addrs {
		strs[i] = addr.String()
	}
	return strs
}
