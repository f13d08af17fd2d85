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

package obfuscator

import (
	"encoding/binary"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/prng"
	"github.com/cespare/xxhash"
)

const (
	// Largest padded packet that fits a 576 byte IPv4 datagram after the IP
	// and UDP headers, the prefix length field and the checksum.
	PACKET_SAFE_MTU = 576 - 20 - 8 - 2 - 4

	PACKET_MIN_PADDING = 64

	packetPrefixLength   = 2
	packetChecksumLength = 4
)

var ErrCorruptPacket = errors.New("corrupt packet")

// PacketObfuscator pads and XORs individual datagrams. A packet is
//
//	u16 prefix length | random padding | XORed payload | u32 checksum
//
// where the prefix length counts the length field and the padding, and the
// checksum is the low 32 bits of the xxhash of everything before it.
// Payloads shorter than PACKET_SAFE_MTU are padded up to at most
// PACKET_SAFE_MTU, with at least PACKET_MIN_PADDING bytes when room allows.
type PacketObfuscator struct {
	key  []byte
	prng *prng.PRNG
}

// NewPacketObfuscator creates a PacketObfuscator. When paddingPRNG is nil,
// padding comes from the global PRNG.
func NewPacketObfuscator(key []byte, paddingPRNG *prng.PRNG) *PacketObfuscator {
	return &PacketObfuscator{
		key:  append([]byte(nil), key...),
		prng: paddingPRNG,
	}
}

func (o *PacketObfuscator) paddingLength(payloadLength int) int {
	if payloadLength >= PACKET_SAFE_MTU {
		return 0
	}
	max := PACKET_SAFE_MTU - payloadLength
	min := PACKET_MIN_PADDING
	if min > max {
		min = max
	}
	if o.prng != nil {
		return o.prng.Range(min, max)
	}
	return prng.Range(min, max)
}

// Obfuscate returns a new padded packet for payload.
func (o *PacketObfuscator) Obfuscate(payload []byte) []byte {

	padding := o.paddingLength(len(payload))
	prefixLength := packetPrefixLength + padding

	packet := make([]byte, prefixLength+len(payload)+packetChecksumLength)
	binary.BigEndian.PutUint16(packet[0:2], uint16(prefixLength))
	if o.prng != nil {
		o.prng.Read(packet[packetPrefixLength:prefixLength])
	} else {
		prng.Read(packet[packetPrefixLength:prefixLength])
	}

	newXORStream(o.key).apply(packet[prefixLength:], payload)

	checksumOffset := len(packet) - packetChecksumLength
	binary.BigEndian.PutUint32(
		packet[checksumOffset:], uint32(xxhash.Sum64(packet[:checksumOffset])))

	return packet
}

// Deobfuscate verifies packet and returns its payload in a new buffer.
// Packets that are truncated, inconsistent or fail the checksum return
// ErrCorruptPacket.
func (o *PacketObfuscator) Deobfuscate(packet []byte) ([]byte, error) {

	if len(packet) < packetPrefixLength+packetChecksumLength {
		return nil, errors.Trace(ErrCorruptPacket)
	}

	checksumOffset := len(packet) - packetChecksumLength
	prefixLength := int(binary.BigEndian.Uint16(packet[0:2]))
	if prefixLength < packetPrefixLength || prefixLength > checksumOffset {
		return nil, errors.Trace(ErrCorruptPacket)
	}

	checksum := binary.BigEndian.Uint32(packet[checksumOffset:])
	if checksum != uint32(xxhash.Sum64(packet[:checksumOffset])) {
		return nil, errors.Trace(ErrCorruptPacket)
	}

	payload := make([]byte, checksumOffset-prefixLength)
	newXORStream(o.key).apply(payload, packet[prefixLength:checksumOffset])
	return payload, nil
}
