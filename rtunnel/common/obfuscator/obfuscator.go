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

/*

Package obfuscator implements the traffic disguises applied to tunnel
traffic: a rolling XOR over the byte stream, HTTP message framing, per
packet padding with a checksum for datagrams, and a snappy compression
stage. The stream stages conform to stream.Encoder and stream.Decoder.

These transforms disguise traffic shape and content from casual
inspection. They provide no confidentiality or integrity against an active
adversary.

*/
package obfuscator

import (
	"encoding/hex"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
)

const (
	DEFAULT_KEY = "715603a9"

	MIN_KEY_LENGTH = 4
	MAX_KEY_LENGTH = 32
)

// DecodeKey parses a hex encoded obfuscation key.
func DecodeKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		hexKey = DEFAULT_KEY
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(key) < MIN_KEY_LENGTH || len(key) > MAX_KEY_LENGTH {
		return nil, errors.Tracef("invalid key length: %d", len(key))
	}
	return key, nil
}

// xorStream XORs bytes with a repeating key. The key position carries over
// between calls, so one xorStream covers one direction of one connection.
type xorStream struct {
	key      []byte
	position int
}

func newXORStream(key []byte) *xorStream {
	return &xorStream{key: append([]byte(nil), key...)}
}

func (x *xorStream) apply(dst, src []byte) {
	keyLength := len(x.key)
	position := x.position
	for i, b := range src {
		dst[i] = b ^ x.key[position]
		position += 1
		if position == keyLength {
			position = 0
		}
	}
	x.position = position
}

// XOREncoder applies the rolling XOR to sent bytes.
type XOREncoder struct {
	stream *xorStream
}

func NewXOREncoder(key []byte) *XOREncoder {
	return &XOREncoder{stream: newXORStream(key)}
}

func (e *XOREncoder) Encode(buffer []byte) []byte {
	out := make([]byte, len(buffer))
	e.stream.apply(out, buffer)
	return out
}

// XORDecoder reverses the rolling XOR on received bytes. It consumes all
// input on every call.
type XORDecoder struct {
	stream *xorStream
	buffer []byte
}

func NewXORDecoder(key []byte) *XORDecoder {
	return &XORDecoder{stream: newXORStream(key)}
}

func (d *XORDecoder) Decode(input []byte) (int, []byte, error) {
	if cap(d.buffer) < len(input) {
		d.buffer = make([]byte, len(input))
	}
	out := d.buffer[:len(input)]
	d.stream.apply(out, input)
	return len(input), out, nil
}
