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
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
)

// Decoder is one receive side codec stage.
//
// Decode inspects input, which begins with any bytes the stage left
// unconsumed previously, and returns the number of bytes consumed and an
// optional decoded frame. consumed > 0 advances, with or without a frame;
// consumed == 0 means more input is needed; a non-nil error means the input
// is malformed and the connection must close. frame may alias input and is
// only valid until Decode is called again.
type Decoder interface {
	Decode(input []byte) (consumed int, frame []byte, err error)
}

// Encoder is one send side codec stage. Encode transforms a whole buffer and
// must return a buffer that does not alias its input.
type Encoder interface {
	Encode(buffer []byte) []byte
}

// DecoderFunc adapts a function to a Decoder.
type DecoderFunc func(input []byte) (int, []byte, error)

func (f DecoderFunc) Decode(input []byte) (int, []byte, error) {
	return f(input)
}

// EncoderFunc adapts a function to an Encoder.
type EncoderFunc func(buffer []byte) []byte

func (f EncoderFunc) Encode(buffer []byte) []byte {
	return f(buffer)
}

// Stage is a decoder's position in a Pipeline, returned by Push and used
// to remove that decoder later.
type Stage struct {
	decoder   Decoder
	remainder []byte
	index     int
	removed   bool
	next      *Stage
}

// Decoder returns the decoder the stage runs.
func (s *Stage) Decoder() Decoder {
	return s.decoder
}

type cursor struct {
	stage  *Stage
	input  []byte
	offset int
}

// Pipeline is an ordered chain of decoder stages ending in a sink. Each
// stage keeps its own remainder of unconsumed bytes between chunks.
//
// Feed is depth first: each frame a stage produces is carried through every
// later stage, down to the sink, before the producing stage decodes further.
// This keeps frames in arrival order while stages, or the sink, change the
// chain. A stage removed while it holds input passes its unconsumed bytes,
// unchanged, to what followed it.
type Pipeline struct {
	stages []*Stage
	sink   func(frame []byte)
	halt   func() bool
	stack  []cursor
}

// NewPipeline creates an empty pipeline; with no stages, chunks go straight
// to sink.
func NewPipeline(sink func(frame []byte)) *Pipeline {
	return &Pipeline{sink: sink}
}

// SetHalt sets a condition, checked between steps, that abandons the
// current Feed. Streams halt once closing.
func (p *Pipeline) SetHalt(halt func() bool) {
	p.halt = halt
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Buffered returns the number of bytes held in stage remainders.
func (p *Pipeline) Buffered() int {
	n := 0
	for _, s := range p.stages {
		n += len(s.remainder)
	}
	return n
}

// Push appends a stage running decoder after all existing stages.
func (p *Pipeline) Push(decoder Decoder) *Stage {
	s := &Stage{decoder: decoder, index: len(p.stages)}
	p.stages = append(p.stages, s)
	return s
}

// Pop removes and returns the last stage, or nil when there are none.
func (p *Pipeline) Pop() Decoder {
	if len(p.stages) == 0 {
		return nil
	}
	return p.removeAt(len(p.stages) - 1)
}

// Remove removes stage and reports whether it was still in the pipeline.
func (p *Pipeline) Remove(stage *Stage) bool {
	if stage == nil || stage.removed ||
		stage.index >= len(p.stages) || p.stages[stage.index] != stage {
		return false
	}
	p.removeAt(stage.index)
	return true
}

func (p *Pipeline) removeAt(i int) Decoder {
	s := p.stages[i]
	s.removed = true
	s.next = nil
	if i+1 < len(p.stages) {
		s.next = p.stages[i+1]
	}
	// Bytes held but not yet fed are passed on when this stage next appears
	// on the cursor stack; bytes only in the remainder are dropped with it.
	s.remainder = nil
	p.stages = append(p.stages[:i], p.stages[i+1:]...)
	p.reindex()
	return s.decoder
}

func (p *Pipeline) reindex() {
	for i, s := range p.stages {
		s.index = i
	}
}

// Reset removes every stage and discards all remainders.
func (p *Pipeline) Reset() {
	for len(p.stages) > 0 {
		p.removeAt(len(p.stages) - 1)
	}
	p.stack = p.stack[:0]
}

func (p *Pipeline) halted() bool {
	return p.halt != nil && p.halt()
}

// next returns the position that receives output from s. A removed stage
// forwards to the first stage, of those that followed it when it was
// removed, that is still present; or to the sink.
func (p *Pipeline) next(s *Stage) int {
	if !s.removed {
		return s.index + 1
	}
	for s = s.next; s != nil; s = s.next {
		if !s.removed {
			return s.index
		}
	}
	return len(p.stages)
}

// forward hands data to the stage at position i, or to the sink.
func (p *Pipeline) forward(i int, data []byte) {
	if len(data) == 0 {
		return
	}
	if i >= len(p.stages) {
		p.sink(data)
		return
	}
	s := p.stages[i]
	input := data
	if len(s.remainder) > 0 {
		input = append(s.remainder, data...)
		s.remainder = nil
	}
	p.stack = append(p.stack, cursor{stage: s, input: input})
}

// Feed runs chunk through the pipeline. chunk is not retained. Feed returns
// an error wrapping ErrMalformed when a stage rejects its input; the
// pipeline must not be fed again after an error.
func (p *Pipeline) Feed(chunk []byte) error {

	p.stack = p.stack[:0]
	p.forward(0, chunk)

	for len(p.stack) > 0 {

		if p.halted() {
			p.stack = p.stack[:0]
			return nil
		}

		top := len(p.stack) - 1
		c := p.stack[top]
		s := c.stage
		rest := c.input[c.offset:]

		if s.removed {
			p.stack = p.stack[:top]
			p.forward(p.next(s), rest)
			continue
		}

		if len(rest) == 0 {
			p.stack = p.stack[:top]
			continue
		}

		consumed, frame, err := s.decoder.Decode(rest)
		if top >= len(p.stack) || p.halted() {
			// Reset or halted by the stage.
			p.stack = p.stack[:0]
			return nil
		}
		if err != nil {
			p.stack = p.stack[:0]
			return errors.Trace(&malformedError{err: err})
		}
		if consumed < 0 || consumed > len(rest) {
			p.stack = p.stack[:0]
			return errors.Trace(&malformedError{
				err: errors.Tracef("invalid consumed length: %d", consumed)})
		}

		if consumed == 0 {
			if !s.removed {
				s.remainder = append([]byte(nil), rest...)
			}
			p.stack = p.stack[:top]
			if s.removed {
				p.forward(p.next(s), rest)
			}
			continue
		}

		p.stack[top].offset += consumed

		if !s.removed && len(rest) == consumed {
			// Fully consumed; drop the cursor before descending so the
			// stack stays shallow.
			p.stack = p.stack[:top]
		}

		if len(frame) > 0 {
			p.forward(p.next(s), frame)
		}
	}

	return nil
}

type malformedError struct {
	err error
}

func (e *malformedError) Error() string {
	return "malformed input: " + e.err.Error()
}

func (e *malformedError) Unwrap() []error {
	return []error{ErrMalformed, e.err}
}
