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
	"github.com/golang/snappy"
)

const (
	MAX_SNAPPY_BLOCK_LENGTH = 1 << 20

	snappyInputChunkLength = 64 * 1024
	snappyLengthPrefix     = 4
)

// SnappyEncoder compresses each sent buffer into one or more length
// prefixed snappy blocks: u32 block length | block.
type SnappyEncoder struct {
}

func NewSnappyEncoder() *SnappyEncoder {
	return &SnappyEncoder{}
}

func (e *SnappyEncoder) Encode(buffer []byte) []byte {
	var out []byte
	for len(buffer) > 0 {
		n := len(buffer)
		if n > snappyInputChunkLength {
			n = snappyInputChunkLength
		}
		block := snappy.Encode(nil, buffer[:n])
		var prefix [snappyLengthPrefix]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(block)))
		out = append(out, prefix[:]...)
		out = append(out, block...)
		buffer = buffer[n:]
	}
	return out
}

// SnappyDecoder decompresses length prefixed snappy blocks. Blocks, or
// their decoded contents, larger than MAX_SNAPPY_BLOCK_LENGTH are
// malformed.
type SnappyDecoder struct {
	buffer []byte
}

func NewSnappyDecoder() *SnappyDecoder {
	return &SnappyDecoder{}
}

func (d *SnappyDecoder) Decode(input []byte) (int, []byte, error) {

	if len(input) < snappyLengthPrefix {
		return 0, nil, nil
	}
	blockLength := int(binary.BigEndian.Uint32(input[:snappyLengthPrefix]))
	if blockLength == 0 || blockLength > MAX_SNAPPY_BLOCK_LENGTH {
		return 0, nil, errors.Tracef("invalid block length: %d", blockLength)
	}
	if len(input) < snappyLengthPrefix+blockLength {
		return 0, nil, nil
	}
	block := input[snappyLengthPrefix : snappyLengthPrefix+blockLength]

	decodedLength, err := snappy.DecodedLen(block)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	if decodedLength > MAX_SNAPPY_BLOCK_LENGTH {
		return 0, nil, errors.Tracef("invalid decoded length: %d", decodedLength)
	}
	if cap(d.buffer) < decodedLength {
		d.buffer = make([]byte, decodedLength)
	}

	decoded, err := snappy.Decode(d.buffer[:cap(d.buffer)], block)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	return snappyLengthPrefix + blockLength, decoded, nil
}
