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
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {

	for _, testCase := range []struct {
		input   string
		name    string
		port    uint16
		literal bool
	}{
		{"example.com:80", "example.com", 80, false},
		{"EXAMPLE.com.:443", "example.com", 443, false},
		{"127.0.0.1:53", "127.0.0.1", 53, true},
		{"[::1]:8080", "::1", 8080, true},
		{"[2001:DB8::1]:1", "2001:db8::1", 1, true},
		{"bücher.example:443", "xn--bcher-kva.example", 443, false},
	} {
		t.Run(testCase.input, func(t *testing.T) {
			address, err := ParseAddress(testCase.input)
			require.NoError(t, err)
			require.Equal(t, testCase.name, address.Name)
			require.Equal(t, testCase.port, address.Port)

			addrPort, ok := address.Literal()
			require.Equal(t, testCase.literal, ok)
			if ok {
				require.Equal(t, testCase.port, addrPort.Port())
			}
		})
	}

	for _, input := range []string{
		"example.com",
		"example.com:http",
		"example.com:65536",
		":80",
		"::1:80",
		strings.Repeat("abcdefgh.", 30) + "com:80",
	} {
		_, err := ParseAddress(input)
		require.Error(t, err, input)
	}
}

func TestAddressString(t *testing.T) {

	require.Equal(t, "example.com:80", Address{Name: "example.com", Port: 80}.String())
	require.Equal(t, "[::1]:53", Address{Name: "::1", Port: 53}.String())

	addr := netip.MustParseAddrPort("192.0.2.1:8443")
	require.Equal(t, Address{Name: "192.0.2.1", Port: 8443}, AddressFromAddrPort(addr))
}
