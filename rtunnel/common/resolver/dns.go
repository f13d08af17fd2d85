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

package resolver

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/socket"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/stream"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/timer"
	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/miekg/dns"
	cache "github.com/patrickmn/go-cache"
)

const (
	DNS_PORT                   = 53
	DNS_SYSTEM_CONFIG_FILENAME = "/etc/resolv.conf"
	SYSTEM_SERVERS             = "system"
	DEFAULT_QUERY_TIMEOUT      = 2 * time.Second
	DEFAULT_QUERY_ATTEMPTS     = 2
	DEFAULT_ANSWER_TTL         = 1 * time.Minute
	MAX_ANSWER_TTL             = 1 * time.Hour
	NEGATIVE_CACHE_TTL         = 30 * time.Second
	CACHE_MAX_ENTRIES          = 4096
	CACHE_CLEANUP_INTERVAL     = 1 * time.Minute
)

// DNSResolverConfig specifies DNSResolver parameters. Zero values select
// defaults.
type DNSResolverConfig struct {

	// Servers is a list of "IP" or "IP:port" DNS server addresses. The
	// special value "system" expands to the nameservers listed in
	// /etc/resolv.conf.
	Servers []string

	// QueryTimeout is the time to wait for a response before the query
	// is resent to the next server.
	QueryTimeout time.Duration

	// Attempts is the number of times each server is tried.
	Attempts int

	// SystemConfigFilename overrides /etc/resolv.conf, for testing.
	SystemConfigFilename string
}

type waiter struct {
	port uint16
	done func(netip.AddrPort, error)
}

// lookup is one in-flight resolution of a name, shared by all concurrent
// Resolve calls for that name.
type lookup struct {
	name         string
	waiters      []waiter
	questionType uint16
	id           uint16
	server       netip.AddrPort
	attempt      int
	timer        *timer.Timer
}

// DNSResolver resolves names with nonblocking A and AAAA queries sent over
// reactor driven datagram sockets. All methods must be called from the
// reactor loop.
//
// A query for a name is first sent as an A question and, when no IPv4
// address is found, retried as an AAAA question. Unanswered queries are
// resent to the next server after QueryTimeout. Answers are cached for the
// shortest answer TTL and names that don't exist are cached for
// NEGATIVE_CACHE_TTL.
type DNSResolver struct {
	network      *stream.Network
	logger       common.Logger
	servers      []netip.AddrPort
	queryTimeout time.Duration
	attempts     int
	datagrams    map[int]*stream.Datagram
	lookups      map[string]*lookup
	queries      map[uint16]*lookup
	cache        *lrucache.Cache
	negative     *cache.Cache
	closed       bool
	metrics      dnsResolverMetrics
}

type dnsResolverMetrics struct {
	resolves      int64
	cacheHits     int64
	negativeHits  int64
	queriesSent   int64
	queryTimeouts int64
	failures      int64
}

// NewDNSResolver creates a DNSResolver that sends queries through network.
func NewDNSResolver(
	network *stream.Network, config *DNSResolverConfig) (*DNSResolver, error) {

	var c DNSResolverConfig
	if config != nil {
		c = *config
	}

	servers, err := ParseServers(c.Servers, c.SystemConfigFilename)
	if err != nil {
		return nil, errors.Trace(err)
	}

	queryTimeout := c.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = DEFAULT_QUERY_TIMEOUT
	}
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DEFAULT_QUERY_ATTEMPTS
	}

	return &DNSResolver{
		network:      network,
		logger:       network.Logger(),
		servers:      servers,
		queryTimeout: queryTimeout,
		attempts:     attempts,
		datagrams:    make(map[int]*stream.Datagram),
		lookups:      make(map[string]*lookup),
		queries:      make(map[uint16]*lookup),
		cache: lrucache.NewWithLRU(
			DEFAULT_ANSWER_TTL, CACHE_CLEANUP_INTERVAL, CACHE_MAX_ENTRIES),
		negative: cache.New(NEGATIVE_CACHE_TTL, CACHE_CLEANUP_INTERVAL),
	}, nil
}

// ParseServers parses DNS server addresses. A missing port defaults to 53.
// "system" is replaced by the nameservers in systemConfigFilename, or
// /etc/resolv.conf when systemConfigFilename is "".
func ParseServers(servers []string, systemConfigFilename string) ([]netip.AddrPort, error) {

	if systemConfigFilename == "" {
		systemConfigFilename = DNS_SYSTEM_CONFIG_FILENAME
	}

	var result []netip.AddrPort
	for _, server := range servers {

		if server == SYSTEM_SERVERS {
			config, err := dns.ClientConfigFromFile(systemConfigFilename)
			if err != nil {
				return nil, errors.Trace(err)
			}
			for _, nameserver := range config.Servers {
				addr, err := parseServer(net.JoinHostPort(nameserver, config.Port))
				if err != nil {
					return nil, errors.Trace(err)
				}
				result = append(result, addr)
			}
			continue
		}

		addr, err := parseServer(server)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, addr)
	}

	if len(result) == 0 {
		return nil, errors.TraceNew("no DNS servers")
	}
	return result, nil
}

func parseServer(server string) (netip.AddrPort, error) {

	if addr, err := netip.ParseAddr(strings.Trim(server, "[]")); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), DNS_PORT), nil
	}

	host, portString, err := net.SplitHostPort(server)
	if err != nil {
		return netip.AddrPort{}, errors.Trace(err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, errors.Trace(err)
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return netip.AddrPort{}, errors.Tracef("invalid port: %s", portString)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}

// Servers returns the DNS servers queries are sent to, in order.
func (r *DNSResolver) Servers() []netip.AddrPort {
	return append([]netip.AddrPort(nil), r.servers...)
}

// Resolve implements Resolver. done is invoked before Resolve returns for
// literals, cached results, and when the resolver is closed.
func (r *DNSResolver) Resolve(address socket.Address, done func(netip.AddrPort, error)) {

	if addr, ok := address.Literal(); ok {
		done(addr, nil)
		return
	}

	if r.closed {
		done(netip.AddrPort{}, errors.Trace(ErrClosed))
		return
	}

	r.metrics.resolves += 1

	name := address.Name

	if entry, ok := r.cache.Get(name); ok {
		r.metrics.cacheHits += 1
		done(netip.AddrPortFrom(entry.(netip.Addr), address.Port), nil)
		return
	}

	if _, ok := r.negative.Get(name); ok {
		r.metrics.negativeHits += 1
		done(netip.AddrPort{}, errors.Trace(ErrNotFound))
		return
	}

	w := waiter{port: address.Port, done: done}

	if l, ok := r.lookups[name]; ok {
		l.waiters = append(l.waiters, w)
		return
	}

	l := &lookup{
		name:         name,
		waiters:      []waiter{w},
		questionType: dns.TypeA,
	}
	l.timer = timer.NewTimer(func() { r.onQueryTimeout(l) })
	r.lookups[name] = l

	err := r.sendQuery(l)
	if err != nil {
		r.finish(l, netip.Addr{}, errors.Trace(err))
	}
}

// Close fails all in-flight lookups with ErrClosed and closes the query
// sockets.
func (r *DNSResolver) Close() {

	if r.closed {
		return
	}
	r.closed = true

	for _, l := range r.lookups {
		r.finish(l, netip.Addr{}, errors.Trace(ErrClosed))
	}
	for family, d := range r.datagrams {
		delete(r.datagrams, family)
		d.Close()
	}
	r.cache.Flush()
	r.negative.Flush()
}

// GetMetrics implements common.MetricsSource.
func (r *DNSResolver) GetMetrics() common.LogFields {
	return common.LogFields{
		"dns_resolves":       r.metrics.resolves,
		"dns_cache_hits":     r.metrics.cacheHits,
		"dns_negative_hits":  r.metrics.negativeHits,
		"dns_queries_sent":   r.metrics.queriesSent,
		"dns_query_timeouts": r.metrics.queryTimeouts,
		"dns_failures":       r.metrics.failures,
		"dns_pending":        len(r.lookups),
	}
}

func (r *DNSResolver) datagram(family int) (*stream.Datagram, error) {

	if d, ok := r.datagrams[family]; ok && !d.Closing() {
		return d, nil
	}

	d, err := r.network.NewDatagram(family, r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.datagrams[family] = d
	return d, nil
}

// sendQuery sends the current question for l to the server selected by the
// attempt count and arms the query timeout.
func (r *DNSResolver) sendQuery(l *lookup) error {

	server := r.servers[l.attempt%len(r.servers)]

	d, err := r.datagram(socket.Family(server.Addr()))
	if err != nil {
		return errors.Trace(err)
	}

	// SetQuestion initializes request.MsgHdr.Id to a random value
	request := &dns.Msg{MsgHdr: dns.MsgHdr{RecursionDesired: true}}
	request.SetQuestion(dns.Fqdn(l.name), l.questionType)
	for {
		if _, ok := r.queries[request.Id]; !ok {
			break
		}
		request.Id = dns.Id()
	}

	packet, err := request.Pack()
	if err != nil {
		return errors.Trace(err)
	}

	err = d.Send(server, packet)
	if err != nil {
		return errors.Trace(err)
	}

	l.id = request.Id
	l.server = server
	l.attempt += 1
	r.queries[l.id] = l
	r.metrics.queriesSent += 1

	err = r.network.Reactor().Timers().Reset(l.timer, r.queryTimeout)
	if err != nil {
		delete(r.queries, l.id)
		return errors.Trace(err)
	}

	return nil
}

func (r *DNSResolver) onQueryTimeout(l *lookup) {

	delete(r.queries, l.id)
	r.metrics.queryTimeouts += 1

	r.logger.WithTraceFields(common.LogFields{
		"name":    l.name,
		"server":  l.server.String(),
		"attempt": l.attempt,
	}).Debug("DNS query timed out")

	if l.attempt >= len(r.servers)*r.attempts {
		r.finish(l, netip.Addr{}, errors.Trace(ErrTimeout))
		return
	}

	err := r.sendQuery(l)
	if err != nil {
		r.finish(l, netip.Addr{}, errors.Trace(err))
	}
}

// OnPacket implements stream.DatagramHandler.
func (r *DNSResolver) OnPacket(_ *stream.Datagram, from netip.AddrPort, payload []byte) {

	response := new(dns.Msg)
	err := response.Unpack(payload)
	if err != nil {
		r.logger.WithTraceFields(common.LogFields{
			"server": from.String(),
		}).Debug(errors.Tracef("invalid response: %v", err))
		return
	}

	// Responses that don't match an outstanding query, including late
	// responses to a query that has since been resent, are ignored.

	l, ok := r.queries[response.Id]
	if !ok ||
		!response.Response ||
		from != l.server ||
		len(response.Question) != 1 ||
		!strings.EqualFold(response.Question[0].Name, dns.Fqdn(l.name)) ||
		response.Question[0].Qtype != l.questionType {

		r.logger.WithTraceFields(common.LogFields{
			"server": from.String(),
		}).Debug("unexpected DNS response")
		return
	}

	delete(r.queries, l.id)
	r.network.Reactor().Timers().Disarm(l.timer)

	// Per RFC 6147 section 5.1.2, some servers answer NXDOMAIN to a AAAA
	// question when an A record exists; at this point the A question has
	// already failed, so NXDOMAIN is final either way.

	switch response.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		r.negative.Set(l.name, true, cache.DefaultExpiration)
		r.finish(l, netip.Addr{}, errors.Trace(ErrNotFound))
		return
	default:
		errMsg, ok := dns.RcodeToString[response.Rcode]
		if !ok {
			errMsg = strconv.Itoa(response.Rcode)
		}
		r.logger.WithTraceFields(common.LogFields{
			"name":   l.name,
			"server": from.String(),
			"rcode":  errMsg,
		}).Debug("DNS query failed")
		if l.attempt >= len(r.servers)*r.attempts {
			r.finish(l, netip.Addr{}, errors.Tracef("unexpected RCode: %s", errMsg))
			return
		}
		err := r.sendQuery(l)
		if err != nil {
			r.finish(l, netip.Addr{}, errors.Trace(err))
		}
		return
	}

	addr, TTL := answerAddr(response.Answer, l.questionType)

	if addr.IsValid() {
		r.cache.Set(l.name, addr, TTL)
		r.finish(l, addr, nil)
		return
	}

	if l.questionType == dns.TypeA {
		l.questionType = dns.TypeAAAA
		l.attempt = 0
		err := r.sendQuery(l)
		if err != nil {
			r.finish(l, netip.Addr{}, errors.Trace(err))
		}
		return
	}

	r.negative.Set(l.name, true, cache.DefaultExpiration)
	r.finish(l, netip.Addr{}, errors.Trace(ErrNotFound))
}

// answerAddr returns the first address record in answers matching
// questionType and the TTL to cache it for: the shortest address record
// TTL, capped at MAX_ANSWER_TTL. A server may omit the TTL or set a 0 TTL;
// when no address record carries a TTL, DEFAULT_ANSWER_TTL is used.
func answerAddr(answers []dns.RR, questionType uint16) (netip.Addr, time.Duration) {

	var addr netip.Addr
	var TTL time.Duration
	for _, answer := range answers {
		var ip net.IP
		switch rr := answer.(type) {
		case *dns.A:
			if questionType == dns.TypeA {
				ip = rr.A
			}
		case *dns.AAAA:
			if questionType == dns.TypeAAAA {
				ip = rr.AAAA
			}
		}
		recordAddr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if !addr.IsValid() {
			addr = recordAddr.Unmap()
		}
		recordTTL := time.Duration(answer.Header().Ttl) * time.Second
		if recordTTL > 0 && (TTL == 0 || recordTTL < TTL) {
			TTL = recordTTL
		}
	}

	if TTL == 0 {
		TTL = DEFAULT_ANSWER_TTL
	}
	if TTL > MAX_ANSWER_TTL {
		TTL = MAX_ANSWER_TTL
	}
	return addr, TTL
}

// OnClosed implements stream.DatagramHandler. Queries outstanding on the
// closed socket are resent on a new socket when they time out.
func (r *DNSResolver) OnClosed(d *stream.Datagram) {
	for family, datagram := range r.datagrams {
		if datagram == d {
			delete(r.datagrams, family)
		}
	}
}

func (r *DNSResolver) finish(l *lookup, addr netip.Addr, err error) {

	if r.lookups[l.name] == l {
		delete(r.lookups, l.name)
	}
	if r.queries[l.id] == l {
		delete(r.queries, l.id)
	}
	r.network.Reactor().Timers().Disarm(l.timer)

	if err != nil {
		r.metrics.failures += 1
	}

	waiters := l.waiters
	l.waiters = nil
	for _, w := range waiters {
		if err != nil {
			w.done(netip.AddrPort{}, err)
		} else {
			w.done(netip.AddrPortFrom(addr, w.port), nil)
		}
	}
}
