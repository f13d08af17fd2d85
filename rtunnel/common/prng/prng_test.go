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

package prng

import (
	"bytes"
	"testing"
)

func TestSeed(t *testing.T) {

	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	prng1 := NewPRNGWithSeed(seed)
	prng2 := NewPRNGWithSeed(seed)

	for i := 1; i < 1000; i++ {

		bytes1 := make([]byte, i)
		prng1.Read(bytes1)

		bytes2 := make([]byte, i)
		prng2.Read(bytes2)

		zeroes := make([]byte, i)
		if i > 16 && bytes.Equal(zeroes, bytes1) {
			t.Fatalf("unexpected zero bytes")
		}

		if !bytes.Equal(bytes1, bytes2) {
			t.Fatalf("unexpected different bytes")
		}
	}
}

func TestRange(t *testing.T) {

	prng, err := NewPRNG()
	if err != nil {
		t.Fatalf("NewPRNG failed: %s", err)
	}

	min := 64
	max := 542

	counts := make(map[int]bool)
	for i := 0; i < 100000; i++ {
		n := prng.Range(min, max)
		if n < min || n > max {
			t.Fatalf("out of range: %d", n)
		}
		counts[n] = true
	}
	if !counts[min] || !counts[max] {
		t.Fatalf("range end points not selected")
	}

	if prng.Range(10, 5) != 10 {
		t.Fatalf("unexpected inverted range result")
	}
	if prng.Intn(0) != 0 {
		t.Fatalf("unexpected Intn(0) result")
	}
}

func TestBytes(t *testing.T) {

	for i := 0; i < 1000; i++ {
		b := Bytes(i)
		if len(b) != i {
			t.Fatalf("unexpected length: %d", len(b))
		}
	}

	b := make([]byte, 1024)
	n, err := Read(b)
	if n != len(b) || err != nil {
		t.Fatalf("unexpected Read result: %d, %v", n, err)
	}
	if bytes.Equal(b, make([]byte, len(b))) {
		t.Fatalf("unexpected zero bytes")
	}
}
