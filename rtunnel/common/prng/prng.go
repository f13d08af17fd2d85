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

Package prng implements a seeded PRNG used for packet padding. The stream is the chacha20 key stream, so producing padding for every
datagram does not pay a crypto/rand syscall per packet.

This PRNG is _not_ for key generation.

It is safe to make concurrent calls to a PRNG instance, including the global
instance.

*/
package prng

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"golang.org/x/crypto/chacha20"
)

const (
	SEED_LENGTH = 32

	// Re-key before reaching the chacha20 2^38-64 byte key stream limit.
	maxStreamBytes = 1<<38 - 64
)

// Seed is a PRNG seed.
type Seed [SEED_LENGTH]byte

// NewSeed creates a new PRNG seed using crypto/rand.Read.
func NewSeed() (*Seed, error) {
	seed := new(Seed)
	_, err := crypto_rand.Read(seed[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	return seed, nil
}

// PRNG is a seeded PRNG based on chacha20. PRNG conforms to io.Reader and
// math/rand.Source.
type PRNG struct {
	rand       *rand.Rand
	mutex      sync.Mutex
	seed       *Seed
	stream     *chacha20.Cipher
	streamUsed uint64
	rekeyCount uint64
	zeroes     [256]byte
}

// NewPRNG generates a seed and creates a PRNG with that seed.
func NewPRNG() (*PRNG, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewPRNGWithSeed(seed), nil
}

// NewPRNGWithSeed initializes a new PRNG using an existing seed. Two PRNGs
// with the same seed produce the same stream.
func NewPRNGWithSeed(seed *Seed) *PRNG {
	p := &PRNG{
		seed: seed,
	}
	p.rekey()
	p.rand = rand.New(p)
	return p
}

// Read fills b from the PRNG stream and always returns len(b), nil.
func (p *PRNG) Read(b []byte) (int, error) {

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.streamUsed+uint64(len(b)) >= maxStreamBytes {
		p.rekey()
	}

	// XORKeyStream over zeroes yields the raw key stream.
	for offset := 0; offset < len(b); {
		n := copy(b[offset:], p.zeroes[:])
		p.stream.XORKeyStream(b[offset:offset+n], b[offset:offset+n])
		offset += n
	}

	p.streamUsed += uint64(len(b))

	return len(b), nil
}

func (p *PRNG) rekey() {

	// The nonce is a rekey counter, so the seed never changes.
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[0:8], p.rekeyCount)

	var err error
	p.stream, err = chacha20.NewUnauthenticatedCipher(p.seed[:], nonce[:])
	if err != nil {
		// Only invalid key or nonce sizes fail, and both are fixed here.
		panic(errors.Trace(err))
	}

	p.rekeyCount += 1
	p.streamUsed = 0
}

// Int63 is equivalent to math/rand.Int63.
func (p *PRNG) Int63() int64 {
	return int64(p.Uint64() & (1<<63 - 1))
}

// Uint64 is equivalent to math/rand.Uint64.
func (p *PRNG) Uint64() uint64 {
	var b [8]byte
	_, _ = p.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Seed must exist in order to use a PRNG as a math/rand.Source. This call is
// not supported and ignored.
func (p *PRNG) Seed(_ int64) {
}

// Intn is equivalent to math/rand.Intn, except it returns 0 if n <= 0
// instead of panicking.
func (p *PRNG) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return p.rand.Intn(n)
}

// Range selects a random integer in [min, max].
// If min < 0, min is set to 0. If max < min, min is returned.
func (p *PRNG) Range(min, max int) int {
	if min < 0 {
		min = 0
	}
	if max < min {
		return min
	}
	return min + p.Intn(max-min+1)
}

// Bytes returns a new slice containing length random bytes.
func (p *PRNG) Bytes(length int) []byte {
	b := make([]byte, length)
	_, _ = p.Read(b)
	return b
}

var p *PRNG

func Read(b []byte) (int, error) {
	return p.Read(b)
}

func Intn(n int) int {
	return p.Intn(n)
}

func Range(min, max int) int {
	return p.Range(min, max)
}

func Bytes(length int) []byte {
	return p.Bytes(length)
}

func init() {

	// Limitation: if crypto/rand.Read fails, the global PRNG falls back to a
	// zero seed so that padding still works.
	var err error
	p, err = NewPRNG()
	if err != nil {
		p = NewPRNGWithSeed(new(Seed))
	}
}
