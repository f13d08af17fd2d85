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

package socket

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"golang.org/x/net/idna"
)

// MAX_NAME_LENGTH is the longest host name an Address may carry; it fits
// the one byte name length of the destination record.
const MAX_NAME_LENGTH = 255

// Address is a logical address: a host name or IP literal, and a port.
// Resolution to a concrete address happens at connect or bind time.
type Address struct {
	Name string
	Port uint16
}

// ParseAddress parses "host:port", with IPv6 literals in brackets. Host
// names are normalized to lower case ASCII with IDNA.
func ParseAddress(address string) (Address, error) {

	host, portString, err := net.SplitHostPort(address)
	if err != nil {
		return Address{}, errors.Trace(err)
	}

	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return Address{}, errors.Tracef("invalid port: %s", portString)
	}

	name, err := NormalizeName(host)
	if err != nil {
		return Address{}, errors.Trace(err)
	}

	return Address{Name: name, Port: uint16(port)}, nil
}

// NormalizeName returns the canonical form of an IP literal or host name.
func NormalizeName(name string) (string, error) {

	if name == "" {
		return "", errors.TraceNew("missing host")
	}

	if ip, err := netip.ParseAddr(name); err == nil {
		return ip.String(), nil
	}

	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", errors.Trace(err)
	}
	ascii = strings.ToLower(strings.TrimSuffix(ascii, "."))

	if len(ascii) == 0 || len(ascii) > MAX_NAME_LENGTH {
		return "", errors.Tracef("invalid host name length: %d", len(ascii))
	}

	return ascii, nil
}

// AddressFromAddrPort returns the logical form of a concrete address.
func AddressFromAddrPort(addr netip.AddrPort) Address {
	return Address{Name: addr.Addr().String(), Port: addr.Port()}
}

// Literal returns the concrete address when Name is an IP literal, in which
// case no resolution is needed.
func (a Address) Literal() (netip.AddrPort, bool) {
	ip, err := netip.ParseAddr(a.Name)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, a.Port), true
}

func (a Address) String() string {
	return net.JoinHostPort(a.Name, strconv.Itoa(int(a.Port)))
}

func zoneIndex(zone string) (uint32, error) {
	if index, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(index), nil
	}
	iface, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return uint32(iface.Index), nil
}
