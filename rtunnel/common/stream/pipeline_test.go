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

package stream

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/stretchr/testify/require"
)

// lengthPrefixed decodes "u8 length | payload" frames.
func lengthPrefixed() Decoder {
	return DecoderFunc(func(input []byte) (int, []byte, error) {
		if len(input) < 1 {
			return 0, nil, nil
		}
		length := int(input[0])
		if length == 0xff {
			return 0, nil, errors.TraceNew("reserved length")
		}
		if len(input) < 1+length {
			return 0, nil, nil
		}
		return 1 + length, input[1 : 1+length], nil
	})
}

// byteWise emits each input byte as its own frame, XORed with 0x5a.
func byteWise() Decoder {
	var out [1]byte
	return DecoderFunc(func(input []byte) (int, []byte, error) {
		out[0] = input[0] ^ 0x5a
		return 1, out[:], nil
	})
}

func encodeFrames(frames ...string) []byte {
	var buffer bytes.Buffer
	for _, frame := range frames {
		buffer.WriteByte(byte(len(frame)))
		buffer.WriteString(frame)
	}
	return buffer.Bytes()
}

func xorBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ 0x5a
	}
	return out
}

type collector struct {
	frames []string
}

func (c *collector) sink(frame []byte) {
	c.frames = append(c.frames, string(frame))
}

func TestPipelineFragmentation(t *testing.T) {

	frames := []string{"alpha", "b", "", "gamma gamma", string(make([]byte, 200))}
	// Empty frames produce no delivery.
	expected := []string{"alpha", "b", "gamma gamma", string(make([]byte, 200))}

	encoded := encodeFrames(frames...)

	newPipeline := func(stacked bool) (*Pipeline, *collector) {
		c := &collector{}
		p := NewPipeline(c.sink)
		if stacked {
			p.Push(byteWise())
		}
		p.Push(lengthPrefixed())
		return p, c
	}

	for _, stacked := range []bool{false, true} {

		input := encoded
		if stacked {
			input = xorBytes(encoded)
		}

		// One chunk.
		p, c := newPipeline(stacked)
		require.NoError(t, p.Feed(input))
		require.Equal(t, expected, c.frames)
		require.Equal(t, 0, p.Buffered())

		// Every two chunk split.
		for i := 0; i <= len(input); i++ {
			p, c := newPipeline(stacked)
			require.NoError(t, p.Feed(input[:i]))
			require.NoError(t, p.Feed(input[i:]))
			require.Equal(t, expected, c.frames, "split at %d", i)
		}

		// Every byte separately.
		p, c = newPipeline(stacked)
		for i := range input {
			require.NoError(t, p.Feed(input[i:i+1]))
		}
		require.Equal(t, expected, c.frames)
	}
}

func TestPipelineRemainderNotAliased(t *testing.T) {

	c := &collector{}
	p := NewPipeline(c.sink)
	p.Push(lengthPrefixed())

	chunk := []byte{5, 'h', 'e'}
	require.NoError(t, p.Feed(chunk))
	require.Equal(t, 3, p.Buffered())

	// The caller reuses its buffer, as the receive path does.
	copy(chunk, []byte{'X', 'X', 'X'})

	require.NoError(t, p.Feed([]byte("llo")))
	require.Equal(t, []string{"hello"}, c.frames)
}

func TestPipelineMalformed(t *testing.T) {

	c := &collector{}
	p := NewPipeline(c.sink)
	p.Push(lengthPrefixed())

	err := p.Feed(append(encodeFrames("ok"), 0xff, 1, 2))
	require.ErrorIs(t, err, ErrMalformed)
	require.Equal(t, []string{"ok"}, c.frames)

	overrun := NewPipeline(c.sink)
	overrun.Push(DecoderFunc(func(input []byte) (int, []byte, error) {
		return len(input) + 1, nil, nil
	}))
	require.ErrorIs(t, overrun.Feed([]byte("x")), ErrMalformed)
}

// destinationRecord is "u16 port | u8 length | name"; the splitter removes
// itself after the first record.
type splitter struct {
	pipeline *Pipeline
	stage    *Stage
	port     uint16
	name     string
	done     int
}

func (s *splitter) Decode(input []byte) (int, []byte, error) {
	if len(input) < 3 {
		return 0, nil, nil
	}
	length := int(input[2])
	if len(input) < 3+length {
		return 0, nil, nil
	}
	s.port = binary.BigEndian.Uint16(input[0:2])
	s.name = string(input[3 : 3+length])
	s.done += 1
	s.pipeline.Remove(s.stage)
	return 3 + length, nil, nil
}

func TestPipelineStageRemoval(t *testing.T) {

	record := []byte{0x01, 0xbb, 11}
	record = append(record, "example.com"...)
	payload := []byte("early payload bytes that follow the record")
	input := append(append([]byte(nil), record...), payload...)

	for i := 0; i <= len(input); i++ {

		var received []byte
		p := NewPipeline(func(frame []byte) {
			received = append(received, frame...)
		})
		s := &splitter{pipeline: p}
		s.stage = p.Push(s)

		require.NoError(t, p.Feed(input[:i]))
		require.NoError(t, p.Feed(input[i:]))

		require.Equal(t, 1, s.done, "split at %d", i)
		require.Equal(t, uint16(443), s.port)
		require.Equal(t, "example.com", s.name)
		require.Equal(t, 0, p.Len())
		require.Equal(t, payload, received, "split at %d", i)
	}
}

func TestPipelineUpstreamRemoval(t *testing.T) {

	// The last stage removes the first, after which raw bytes reach it
	// undecoded.
	var p *Pipeline
	c := &collector{}
	p = NewPipeline(c.sink)
	first := p.Push(byteWise())
	p.Push(DecoderFunc(func(input []byte) (int, []byte, error) {
		if input[0] == 'S' {
			require.True(t, p.Remove(first))
		}
		return 1, input[:1], nil
	}))

	input := append(xorBytes([]byte("abS")), 'x', 'y')
	require.NoError(t, p.Feed(input))
	require.Equal(t, []string{"a", "b", "S", "x", "y"}, c.frames)
	require.Equal(t, 1, p.Len())

	require.False(t, p.Remove(first))
	require.False(t, p.Remove(nil))
	require.False(t, NewPipeline(c.sink).Remove(first))
	require.Equal(t, 1, p.Len())
}

func TestPipelineMultipleRemoval(t *testing.T) {

	passthrough := func() Decoder {
		return DecoderFunc(func(input []byte) (int, []byte, error) {
			return len(input), input, nil
		})
	}

	for _, selfFirst := range []bool{true, false} {

		// A middle stage removes itself and the stage before it while
		// handling a chunk; the rest of the chunk still reaches the last
		// stage.
		var p *Pipeline
		var upstream, self *Stage
		c := &collector{}
		p = NewPipeline(c.sink)
		upstream = p.Push(passthrough())
		self = p.Push(DecoderFunc(func(input []byte) (int, []byte, error) {
			if input[0] == 'x' {
				if selfFirst {
					require.True(t, p.Remove(self))
					require.True(t, p.Remove(upstream))
				} else {
					require.True(t, p.Remove(upstream))
					require.True(t, p.Remove(self))
				}
				return 1, nil, nil
			}
			return len(input), input, nil
		}))
		p.Push(byteWise())

		require.NoError(t, p.Feed(append([]byte("x"), xorBytes([]byte("ab"))...)))
		require.Equal(t, []string{"a", "b"}, c.frames, "self first %v", selfFirst)
		require.Equal(t, 1, p.Len())

		require.NoError(t, p.Feed(xorBytes([]byte("c"))))
		require.Equal(t, []string{"a", "b", "c"}, c.frames)
	}
}

func TestPipelineHalt(t *testing.T) {

	halted := false
	c := &collector{}
	p := NewPipeline(func(frame []byte) {
		c.sink(frame)
		halted = true
	})
	p.SetHalt(func() bool { return halted })
	p.Push(lengthPrefixed())

	require.NoError(t, p.Feed(encodeFrames("one", "two", "three")))
	require.Equal(t, []string{"one"}, c.frames)
}

func TestPipelineNoStages(t *testing.T) {

	c := &collector{}
	p := NewPipeline(c.sink)
	require.NoError(t, p.Feed([]byte("raw")))
	require.NoError(t, p.Feed(nil))
	require.Equal(t, []string{"raw"}, c.frames)

	require.Nil(t, p.Pop())
	p.Push(lengthPrefixed())
	p.Reset()
	require.Equal(t, 0, p.Len())
}
