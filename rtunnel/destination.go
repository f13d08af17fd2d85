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
	"encoding/binary"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/socket"
	"github.com/gobwas/glob"
)

// A destination record precedes tunneled data on a connect side to accept
// side tunnel. It is
//
//	u16 port (big endian) | u8 name length | name
//
// where name is a host name or IP literal.
const (
	DESTINATION_RECORD_HEADER_LENGTH = 3
	MAX_DESTINATION_RECORD_LENGTH    = DESTINATION_RECORD_HEADER_LENGTH + socket.MAX_NAME_LENGTH
)

var (
	ErrDestinationNotAllowed = errors.New("destination not allowed")
	ErrNameTooLong           = errors.New("destination name too long")
)

// EncodeDestination returns the destination record for address.
func EncodeDestination(address socket.Address) ([]byte, error) {
	return AppendDestination(nil, address)
}

// AppendDestination appends the destination record for address to buffer.
func AppendDestination(buffer []byte, address socket.Address) ([]byte, error) {

	if len(address.Name) > socket.MAX_NAME_LENGTH {
		return nil, errors.Trace(ErrNameTooLong)
	}
	if address.Name == "" || address.Port == 0 {
		return nil, errors.TraceNew("invalid destination")
	}

	buffer = binary.BigEndian.AppendUint16(buffer, address.Port)
	buffer = append(buffer, byte(len(address.Name)))
	buffer = append(buffer, address.Name...)
	return buffer, nil
}

// DecodeDestination parses the destination record at the start of input.
// When input holds only part of a record, consumed is 0 and err is nil.
func DecodeDestination(input []byte) (address socket.Address, consumed int, err error) {

	if len(input) < DESTINATION_RECORD_HEADER_LENGTH {
		return socket.Address{}, 0, nil
	}

	port := binary.BigEndian.Uint16(input[0:2])
	nameLength := int(input[2])
	if len(input) < DESTINATION_RECORD_HEADER_LENGTH+nameLength {
		return socket.Address{}, 0, nil
	}

	if port == 0 || nameLength == 0 {
		return socket.Address{}, 0, errors.TraceNew("invalid destination record")
	}

	name, err := socket.NormalizeName(
		string(input[DESTINATION_RECORD_HEADER_LENGTH : DESTINATION_RECORD_HEADER_LENGTH+nameLength]))
	if err != nil {
		return socket.Address{}, 0, errors.Trace(err)
	}

	return socket.Address{Name: name, Port: port},
		DESTINATION_RECORD_HEADER_LENGTH + nameLength,
		nil
}

// destinationSplitter is the last accept side front decoder. It consumes
// the destination record, hands it to onDestination, and removes itself so
// that the bytes following the record flow to the relay.
type destinationSplitter struct {
	policy        *DestinationPolicy
	onDestination func(address socket.Address)
}

func (s *destinationSplitter) Decode(input []byte) (int, []byte, error) {

	address, consumed, err := DecodeDestination(input)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	if consumed == 0 {
		return 0, nil, nil
	}

	if !s.policy.Allowed(address) {
		return 0, nil, errors.Tracef("%s: %w", address.String(), ErrDestinationNotAllowed)
	}

	s.onDestination(address)

	return consumed, nil, nil
}

// DestinationPolicy is an allow list of destination glob patterns.
type DestinationPolicy struct {
	patterns []glob.Glob
}

// NewDestinationPolicy compiles patterns, which are matched against
// "host:port" destinations, with IPv6 hosts bracketed. An empty list allows
// all destinations.
func NewDestinationPolicy(patterns []string) (*DestinationPolicy, error) {

	policy := &DestinationPolicy{}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Tracef("invalid destination pattern %s: %v", pattern, err)
		}
		policy.patterns = append(policy.patterns, g)
	}
	return policy, nil
}

// Allowed reports whether address matches any pattern.
func (p *DestinationPolicy) Allowed(address socket.Address) bool {
	if p == nil || len(p.patterns) == 0 {
		return true
	}
	destination := address.String()
	for _, pattern := range p.patterns {
		if pattern.Match(destination) {
			return true
		}
	}
	return false
}
