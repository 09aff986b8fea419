/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package stream

import "math/bits"

// Accumulator converts a running quantity into whole units of Divisor and
// keeps the remainder for the next conversion, so repeated small conversions
// add up to exactly the same total as one large conversion.
//
// The remainder always stays in [0, Divisor).
type Accumulator struct {
	Divisor uint64
	rem     uint64
}

// NewAccumulator returns an empty accumulator for the given divisor.
func NewAccumulator(divisor uint64) Accumulator {
	if divisor == 0 {
		divisor = 1
	}
	return Accumulator{Divisor: divisor}
}

// Add folds n into the carried remainder and returns the whole units.
func (a *Accumulator) Add(n uint64) uint64 {
	total := n + a.rem
	a.rem = total % a.Divisor
	return total / a.Divisor
}

// AddProduct folds x*y into the carried remainder using a 128-bit
// intermediate, so a large rate times a long interval cannot wrap.
func (a *Accumulator) AddProduct(x, y uint64) uint64 {
	hi, lo := bits.Mul64(x, y)
	lo, c := bits.Add64(lo, a.rem, 0)
	hi += c
	// Div64 needs hi < Divisor; the whole-unit result only has to fit in
	// 64 bits, so the high quotient word is dropped.
	q, r := bits.Div64(hi%a.Divisor, lo, a.Divisor)
	a.rem = r
	return q
}

// Remainder returns the carried sub-unit amount.
func (a *Accumulator) Remainder() uint64 {
	return a.rem
}

// Reset drops the carried remainder.
func (a *Accumulator) Reset() {
	a.rem = 0
}
