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
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/obfuscator"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/reactor"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/socket"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/timer"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_LOG_LEVEL                 = "info"
	DEFAULT_LISTEN_BACKLOG            = 128
	DEFAULT_RECEIVE_BUFFER_SIZE       = 16384
	DEFAULT_LINGER_TIMEOUT            = 20 * time.Second
	DEFAULT_CONNECT_TIMEOUT           = 30 * time.Second
	DEFAULT_UDP_IDLE_TIMEOUT          = 10 * time.Minute
	DEFAULT_HIGH_WATERMARK_BYTES      = 8 * 1024
	DEFAULT_LOW_WATERMARK_BYTES       = 4 * 1024
	DEFAULT_LOAD_MONITOR_PERIOD       = 5 * time.Minute
	DEFAULT_DNS_QUERY_TIMEOUT         = 2 * time.Second
	DEFAULT_LOG_FILE_REOPEN_RETRIES   = 25
	MAX_RECEIVE_BUFFER_SIZE           = 1 << 20
	MAX_UDP_PENDING_PACKETS           = 64
	SYSTEM_DNS_SERVERS                = "system"
	ENDPOINT_SEPARATOR                = "/"
	DEFAULT_OBFUSCATION_HTTP_HOST     = obfuscator.DEFAULT_HTTP_HOST
	DEFAULT_OBFUSCATION_KEY           = obfuscator.DEFAULT_KEY
	DEFAULT_TIMER_QUEUE_CAPACITY      = timer.DEFAULT_CAPACITY
	DEFAULT_METRICS_SHUTDOWN_DEADLINE = 5 * time.Second
)

// TunnelTuple is one connect side tunnel: connections accepted at From are
// relayed through the accept side tunnel at Via to the destination To.
type TunnelTuple struct {
	From string
	Via  string
	To   string
}

// Config specifies the tunnel configuration. Config is loaded from JSON by
// LoadConfig, optionally modified, for example by command line flags, and
// then must be committed with Commit before use.
type Config struct {

	// LogLevel specifies the log level. Valid values are:
	// panic, fatal, error, warn, info, debug
	LogLevel string

	// LogFilename specifies the path of the file to log
	// to. When blank, logs are written to stderr.
	LogFilename string

	// LogFileReopenRetries specifies how many retries, each with a 1ms delay,
	// will be attempted after reopening a rotated log file fails.
	LogFileReopenRetries *int

	// AcceptAddresses is a list of "host:port" addresses where the accept
	// side listens for tunnel connections. Each tunnel connection carries
	// its destination in-band.
	AcceptAddresses []string

	// ConnectTuples is a list of connect side tunnels.
	ConnectTuples []TunnelTuple

	// Obfuscate enables the HTTP framing disguise for TCP tunnels and the
	// packet padding obfuscation for UDP tunnels. Both sides must agree.
	Obfuscate bool

	// ObfuscationKey is the hex encoded XOR key. The default is 715603a9.
	ObfuscationKey string

	// ObfuscationHTTPHost is the Host header sent in obfuscated requests.
	ObfuscationHTTPHost string

	// Compress enables snappy compression of TCP tunnel traffic. Both sides
	// must agree.
	Compress bool

	// UDPMode relays datagrams instead of TCP connections.
	UDPMode bool

	// PollerType is "epoll" (the default on Linux) or "select".
	PollerType string

	TimerQueueCapacity int
	ListenBacklog      int
	ReceiveBufferSize  int

	LingerTimeoutMilliseconds   *int
	ConnectTimeoutMilliseconds  *int
	UDPIdleTimeoutMilliseconds  *int
	DNSQueryTimeoutMilliseconds *int

	// HighWatermarkBytes and LowWatermarkBytes control relay flow control.
	// A side stops receiving when its peer has more than HighWatermarkBytes
	// queued, and resumes when that queue drops below LowWatermarkBytes.
	HighWatermarkBytes int
	LowWatermarkBytes  int

	// AcceptRateLimit is the maximum rate, per second, of new relays or UDP
	// associations per tunnel. 0 is unlimited. AcceptBurst defaults to
	// the rate, rounded up.
	AcceptRateLimit float64
	AcceptBurst     int

	// AllowedDestinations is a list of glob patterns matched against accept
	// side destinations formatted "host:port". When empty, all destinations
	// are allowed.
	AllowedDestinations []string

	// DNSServers is a list of "IP" or "IP:port" DNS servers for resolving
	// destination and via names. "system" selects the /etc/resolv.conf
	// nameservers, which is also the default. When no DNS server can be
	// configured, names are resolved with the blocking Go resolver.
	DNSServers []string

	// MetricsAddress is the "host:port" address of the Prometheus metrics
	// HTTP endpoint. When blank, the endpoint is disabled.
	MetricsAddress string

	// LockFilename is the path of a lock file which ensures that only one
	// instance runs with this configuration.
	LockFilename string

	// LoadMonitorPeriodSeconds is the period for emitting load metrics
	// logs. The default is 300; a negative value disables load logs.
	LoadMonitorPeriodSeconds int

	committed            bool
	obfuscationKey       []byte
	acceptAddresses      []socket.Address
	connectTuples        []connectTuple
	destinationPolicy    *DestinationPolicy
	linger               time.Duration
	connectTimeout       time.Duration
	udpIdleTimeout       time.Duration
	dnsQueryTimeout      time.Duration
	loadMonitorPeriod    time.Duration
	logFileReopenRetries int
}

type connectTuple struct {
	from socket.Address
	via  socket.Address
	to   socket.Address
}

// LoadConfig parses and validates a JSON format configuration. The returned
// Config is not committed.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &config, nil
}

// IsCommitted reports whether Commit has succeeded.
func (config *Config) IsCommitted() bool {
	return config.committed
}

// Commit applies defaults and validates the configuration. Commit must be
// called after any modification and before the Config is used.
func (config *Config) Commit() error {

	if config.LogLevel == "" {
		config.LogLevel = DEFAULT_LOG_LEVEL
	}
	_, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Trace(err)
	}

	if len(config.AcceptAddresses) == 0 && len(config.ConnectTuples) == 0 {
		return errors.TraceNew("AcceptAddresses or ConnectTuples is required")
	}
	if len(config.AcceptAddresses) > 0 && len(config.ConnectTuples) > 0 {
		return errors.TraceNew("AcceptAddresses and ConnectTuples are exclusive")
	}

	config.acceptAddresses = nil
	for _, address := range config.AcceptAddresses {
		addr, err := socket.ParseAddress(address)
		if err != nil {
			return errors.Tracef("invalid accept address %s: %v", address, err)
		}
		config.acceptAddresses = append(config.acceptAddresses, addr)
	}

	config.connectTuples = nil
	for _, tuple := range config.ConnectTuples {
		var t connectTuple
		for _, field := range []struct {
			value string
			addr  *socket.Address
		}{
			{tuple.From, &t.from},
			{tuple.Via, &t.via},
			{tuple.To, &t.to},
		} {
			addr, err := socket.ParseAddress(field.value)
			if err != nil {
				return errors.Tracef("invalid connect tuple address %s: %v", field.value, err)
			}
			*field.addr = addr
		}
		if t.via.Port == 0 || t.to.Port == 0 {
			return errors.Tracef("connect tuple requires via and to ports: %+v", tuple)
		}
		config.connectTuples = append(config.connectTuples, t)
	}

	if config.ObfuscationKey == "" {
		config.ObfuscationKey = DEFAULT_OBFUSCATION_KEY
	}
	config.obfuscationKey, err = obfuscator.DecodeKey(config.ObfuscationKey)
	if err != nil {
		return errors.Trace(err)
	}
	if config.ObfuscationHTTPHost == "" {
		config.ObfuscationHTTPHost = DEFAULT_OBFUSCATION_HTTP_HOST
	}

	switch config.PollerType {
	case "", reactor.POLLER_EPOLL, reactor.POLLER_SELECT:
	default:
		return errors.Tracef("unknown PollerType: %s", config.PollerType)
	}

	if config.TimerQueueCapacity == 0 {
		config.TimerQueueCapacity = DEFAULT_TIMER_QUEUE_CAPACITY
	}
	if config.ListenBacklog == 0 {
		config.ListenBacklog = DEFAULT_LISTEN_BACKLOG
	}
	if config.ReceiveBufferSize == 0 {
		config.ReceiveBufferSize = DEFAULT_RECEIVE_BUFFER_SIZE
	}
	if config.TimerQueueCapacity < 0 ||
		config.ListenBacklog < 0 ||
		config.ReceiveBufferSize < 0 ||
		config.ReceiveBufferSize > MAX_RECEIVE_BUFFER_SIZE {
		return errors.TraceNew("invalid TimerQueueCapacity, ListenBacklog or ReceiveBufferSize")
	}

	config.linger = milliseconds(config.LingerTimeoutMilliseconds, DEFAULT_LINGER_TIMEOUT)
	config.connectTimeout = milliseconds(config.ConnectTimeoutMilliseconds, DEFAULT_CONNECT_TIMEOUT)
	config.udpIdleTimeout = milliseconds(config.UDPIdleTimeoutMilliseconds, DEFAULT_UDP_IDLE_TIMEOUT)
	config.dnsQueryTimeout = milliseconds(config.DNSQueryTimeoutMilliseconds, DEFAULT_DNS_QUERY_TIMEOUT)
	if config.linger < 0 || config.connectTimeout <= 0 ||
		config.udpIdleTimeout <= 0 || config.dnsQueryTimeout <= 0 {
		return errors.TraceNew("invalid timeout")
	}

	if config.HighWatermarkBytes == 0 {
		config.HighWatermarkBytes = DEFAULT_HIGH_WATERMARK_BYTES
	}
	if config.LowWatermarkBytes == 0 {
		config.LowWatermarkBytes = DEFAULT_LOW_WATERMARK_BYTES
	}
	if config.LowWatermarkBytes < 0 ||
		config.LowWatermarkBytes >= config.HighWatermarkBytes {
		return errors.TraceNew("LowWatermarkBytes must be less than HighWatermarkBytes")
	}

	if config.AcceptRateLimit < 0 || config.AcceptBurst < 0 {
		return errors.TraceNew("invalid AcceptRateLimit or AcceptBurst")
	}

	config.destinationPolicy, err = NewDestinationPolicy(config.AllowedDestinations)
	if err != nil {
		return errors.Trace(err)
	}

	if len(config.DNSServers) == 0 {
		config.DNSServers = []string{SYSTEM_DNS_SERVERS}
	}

	if config.MetricsAddress != "" {
		_, _, err := net.SplitHostPort(config.MetricsAddress)
		if err != nil {
			return errors.Tracef("invalid MetricsAddress: %v", err)
		}
	}

	switch {
	case config.LoadMonitorPeriodSeconds == 0:
		config.loadMonitorPeriod = DEFAULT_LOAD_MONITOR_PERIOD
	case config.LoadMonitorPeriodSeconds > 0:
		config.loadMonitorPeriod = time.Duration(config.LoadMonitorPeriodSeconds) * time.Second
	default:
		config.loadMonitorPeriod = 0
	}

	config.logFileReopenRetries = DEFAULT_LOG_FILE_REOPEN_RETRIES
	if config.LogFileReopenRetries != nil {
		config.logFileReopenRetries = *config.LogFileReopenRetries
	}

	config.committed = true
	return nil
}

// IsAcceptSide reports whether the configuration runs accept side tunnels.
func (config *Config) IsAcceptSide() bool {
	return len(config.AcceptAddresses) > 0
}

func milliseconds(value *int, defaultValue time.Duration) time.Duration {
	if value == nil {
		return defaultValue
	}
	return time.Duration(*value) * time.Millisecond
}

// ParseAcceptAddresses parses a "host:port[/host:port...]" command line
// argument.
func ParseAcceptAddresses(arg string) ([]string, error) {

	var addresses []string
	for _, part := range strings.Split(arg, ENDPOINT_SEPARATOR) {
		endpoints, err := splitEndpoints(part)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(endpoints) != 1 {
			return nil, errors.Tracef("expected host:port: %s", part)
		}
		addresses = append(addresses, endpoints[0])
	}
	return addresses, nil
}

// ParseConnectTuples parses a "from:via:to[/from:via:to...]" command line
// argument, where each of from, via and to is host:port.
func ParseConnectTuples(arg string) ([]TunnelTuple, error) {

	var tuples []TunnelTuple
	for _, part := range strings.Split(arg, ENDPOINT_SEPARATOR) {
		endpoints, err := splitEndpoints(part)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(endpoints) != 3 {
			return nil, errors.Tracef("expected from:via:to: %s", part)
		}
		tuples = append(tuples, TunnelTuple{
			From: endpoints[0],
			Via:  endpoints[1],
			To:   endpoints[2],
		})
	}
	return tuples, nil
}

// splitEndpoints splits "host:port:host:port..." into "host:port" strings.
// IPv6 hosts must be bracketed.
func splitEndpoints(arg string) ([]string, error) {

	if arg == "" {
		return nil, errors.TraceNew("missing endpoint")
	}

	var endpoints []string
	for len(arg) > 0 {

		var host string
		if arg[0] == '[' {
			end := strings.IndexByte(arg, ']')
			if end == -1 {
				return nil, errors.Tracef("missing ']': %s", arg)
			}
			host, arg = arg[:end+1], arg[end+1:]
		} else {
			end := strings.IndexByte(arg, ':')
			if end == -1 {
				return nil, errors.Tracef("missing port: %s", arg)
			}
			host, arg = arg[:end], arg[end:]
		}

		if len(arg) == 0 || arg[0] != ':' {
			return nil, errors.Tracef("missing port: %s", host)
		}
		arg = arg[1:]

		var port string
		end := strings.IndexByte(arg, ':')
		if end == -1 {
			port, arg = arg, ""
		} else {
			port, arg = arg[:end], arg[end+1:]
			if arg == "" {
				return nil, errors.TraceNew("trailing ':'")
			}
		}
		if host == "" || port == "" {
			return nil, errors.Tracef("invalid endpoint: %s:%s", host, port)
		}

		endpoints = append(endpoints, host+":"+port)
	}
	return endpoints, nil
}
