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
	"bytes"
	"strings"
	"testing"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/prng"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/stream"
	"github.com/stretchr/testify/require"
)

// decodeAll runs chunks through decoders, in order, as a stream pipeline.
func decodeAll(t *testing.T, chunks [][]byte, decoders ...stream.Decoder) ([]byte, error) {
	var out bytes.Buffer
	pipeline := stream.NewPipeline(func(frame []byte) { out.Write(frame) })
	for _, decoder := range decoders {
		pipeline.Push(decoder)
	}
	for _, chunk := range chunks {
		err := pipeline.Feed(chunk)
		if err != nil {
			return out.Bytes(), err
		}
	}
	return out.Bytes(), nil
}

func encodeAll(buffers [][]byte, encoders ...stream.Encoder) []byte {
	var out bytes.Buffer
	for _, buffer := range buffers {
		for _, encoder := range encoders {
			buffer = encoder.Encode(buffer)
		}
		out.Write(buffer)
	}
	return out.Bytes()
}

func split(b []byte, size int) [][]byte {
	var chunks [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		chunks = append(chunks, b[:n])
		b = b[n:]
	}
	return chunks
}

func testBuffers() [][]byte {
	return [][]byte{
		[]byte("first"),
		bytes.Repeat([]byte("second"), 1000),
		prng.Bytes(70000),
		[]byte("x"),
	}
}

func TestDecodeKey(t *testing.T) {

	key, err := DecodeKey("")
	require.NoError(t, err)
	require.Equal(t, []byte{0x71, 0x56, 0x03, 0xa9}, key)

	_, err = DecodeKey("zz")
	require.Error(t, err)
	_, err = DecodeKey("0102")
	require.Error(t, err)
	_, err = DecodeKey(strings.Repeat("01", 33))
	require.Error(t, err)
}

func TestStreamCodecs(t *testing.T) {

	key, err := DecodeKey(DEFAULT_KEY)
	require.NoError(t, err)

	buffers := testBuffers()
	expected := bytes.Join(buffers, nil)

	for _, request := range []bool{true, false} {

		encoded := encodeAll(
			buffers,
			NewSnappyEncoder(), NewXOREncoder(key), NewHTTPEncoder(request, ""))

		if request {
			require.True(t, bytes.HasPrefix(encoded, []byte("POST /upload HTTP/1.1\r\n")))
		} else {
			require.True(t, bytes.HasPrefix(encoded, []byte("HTTP/1.1 200 OK\r\n")))
		}

		for _, chunkSize := range []int{1, 7, 1000, 16384, len(encoded)} {
			decoded, err := decodeAll(
				t,
				split(encoded, chunkSize),
				NewHTTPDecoder(request), NewXORDecoder(key), NewSnappyDecoder())
			require.NoError(t, err, "chunk size %d", chunkSize)
			require.True(t, bytes.Equal(expected, decoded), "chunk size %d", chunkSize)
		}
	}
}

func TestXORRollsAcrossBuffers(t *testing.T) {

	key := []byte{1, 2, 3}
	encoder := NewXOREncoder(key)

	a := encoder.Encode([]byte{0, 0})
	b := encoder.Encode([]byte{0, 0})
	require.Equal(t, []byte{1, 2}, a)
	require.Equal(t, []byte{3, 1}, b)

	decoded, err := decodeAll(t, [][]byte{{1}, {2, 3}, {1}}, NewXORDecoder(key))
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, decoded)
}

func TestHTTPSplitsLargeBodies(t *testing.T) {

	encoder := NewHTTPEncoder(true, "tunnel.example.org")
	encoded := encoder.Encode(make([]byte, MAX_HTTP_BODY_LENGTH+1))

	require.Equal(t, 2, bytes.Count(encoded, []byte("POST /upload")))
	require.Contains(t, string(encoded), "Host: tunnel.example.org\r\n")
	require.Contains(t, string(encoded), "Content-Length: 65535\r\n")
	require.Contains(t, string(encoded), "Content-Length: 1\r\n")
}

func TestHTTPDecoderMalformed(t *testing.T) {

	for name, testCase := range map[string]struct {
		request bool
		input   string
	}{
		"wrong method": {
			true, "GET /upload HTTP/1.1\r\nHost: a\r\nContent-Length: 1\r\n\r\nx"},
		"response for request": {
			true, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nx"},
		"wrong status": {
			false, "HTTP/1.1 404 Not Found\r\nContent-Length: 1\r\n\r\nx"},
		"missing length": {
			true, "POST /upload HTTP/1.1\r\nHost: a\r\n\r\nx"},
		"oversize length": {
			false, "HTTP/1.1 200 OK\r\nContent-Length: 65536\r\n\r\nx"},
		"oversize header": {
			true, "POST /upload HTTP/1.1\r\nX-Padding: " + strings.Repeat("a", 5000)},
		"garbage": {
			false, "\x00\x01\x02\r\n\r\n"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeAll(
				t, [][]byte{[]byte(testCase.input)}, NewHTTPDecoder(testCase.request))
			require.ErrorIs(t, err, stream.ErrMalformed)
		})
	}

	// An incomplete header waits for more input.
	decoded, err := decodeAll(
		t, [][]byte{[]byte("HTTP/1.1 200 OK\r\nContent-")}, NewHTTPDecoder(false))
	require.NoError(t, err)
	require.Empty(t, decoded)
}

func TestSnappyDecoderMalformed(t *testing.T) {

	_, err := decodeAll(t, [][]byte{{0, 0, 0, 0}}, NewSnappyDecoder())
	require.ErrorIs(t, err, stream.ErrMalformed)

	_, err = decodeAll(t, [][]byte{{0, 0x20, 0, 0}}, NewSnappyDecoder())
	require.ErrorIs(t, err, stream.ErrMalformed)

	_, err = decodeAll(t, [][]byte{{0, 0, 0, 3, 0xff, 0xff, 0xff}}, NewSnappyDecoder())
	require.ErrorIs(t, err, stream.ErrMalformed)
}

func TestPacketObfuscator(t *testing.T) {

	key, err := DecodeKey(DEFAULT_KEY)
	require.NoError(t, err)

	seed, err := prng.NewSeed()
	require.NoError(t, err)
	obfuscator := NewPacketObfuscator(key, prng.NewPRNGWithSeed(seed))

	for _, size := range []int{0, 1, 100, PACKET_SAFE_MTU - 10, PACKET_SAFE_MTU, 1400} {

		payload := prng.Bytes(size)
		packet := obfuscator.Obfuscate(payload)

		if size < PACKET_SAFE_MTU {
			require.LessOrEqual(t, len(packet), PACKET_SAFE_MTU+6)
			padding := len(packet) - size - 6
			if PACKET_SAFE_MTU-size >= PACKET_MIN_PADDING {
				require.GreaterOrEqual(t, padding, PACKET_MIN_PADDING)
			}
		} else {
			require.Equal(t, size+6, len(packet))
		}

		decoded, err := obfuscator.Deobfuscate(packet)
		require.NoError(t, err)
		require.True(t, bytes.Equal(payload, decoded))

		if size > 0 {
			packet[len(packet)-5] ^= 0x01
			_, err = obfuscator.Deobfuscate(packet)
			require.ErrorIs(t, err, ErrCorruptPacket)
		}
	}

	for _, packet := range [][]byte{
		nil,
		{0, 2, 0, 0, 0},
		{0, 1, 0, 0, 0, 0},
		{0xff, 0xff, 0, 0, 0, 0, 0},
	} {
		_, err := obfuscator.Deobfuscate(packet)
		require.ErrorIs(t, err, ErrCorruptPacket)
	}

	// The global PRNG is used when none is supplied.
	packet := NewPacketObfuscator(key, nil).Obfuscate([]byte("dns"))
	decoded, err := obfuscator.Deobfuscate(packet)
	require.NoError(t, err)
	require.Equal(t, []byte("dns"), decoded)
}
