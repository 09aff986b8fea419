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

import (
	"math"
	"time"
)

const (
	// positionResolution is the whole time unit elapsed time is converted
	// to before it is turned into bytes.
	positionResolution = time.Microsecond

	unitsPerSecond = uint64(time.Second / positionResolution)

	// noPacket marks "no packet read/written yet".
	noPacket = math.MaxUint32
)

// PacketCursor tracks the packet handshake between the virtual hardware and
// its producer or consumer.
type PacketCursor struct {
	Counter            uint64 // completed packets since Run
	LastRead           uint32
	LastWrite          uint32
	WritePosition      uint32 // last committed producer write position
	EndOfStream        bool
	LastBufferRendered bool
}

func newPacketCursor() PacketCursor {
	return PacketCursor{LastRead: noPacket, LastWrite: noPacket}
}

// Positions is a consistent snapshot of the virtual hardware position.
type Positions struct {
	Linear       uint64        // bytes moved since Run, never wraps
	Presentation uint64        // bytes of audio that logically elapsed, keeps going past EOS
	Play         uint64        // Linear modulo the buffer size, clipped at EOS
	Write        uint64        // same as Play for this virtual device
	DMATimestamp time.Duration // time of the last advance
	QueryTime    time.Duration // time the snapshot was taken
}

// transferPlan describes the bytes one advance moved through the virtual
// buffer. It is carried out after the position lock is released.
type transferPlan struct {
	offset   uint64 // virtual buffer offset of the first byte
	n        uint64
	rendered bool // EOS boundary reached by this advance
	linear   uint64
	write    uint32
}

// positionEngine turns elapsed time into byte displacement. It has no lock of
// its own; the owning session serializes every call.
type positionEngine struct {
	rate       uint64 // average bytes per second
	bufferSize uint64
	render     bool

	linear       uint64
	presentation uint64
	play         uint64
	write        uint64
	dmaTimestamp time.Duration

	elapsedCarry Accumulator // nanoseconds -> whole resolution units
	byteCarry    Accumulator // rate*units -> whole bytes
}

func newPositionEngine(rate, bufferSize uint64, render bool) positionEngine {
	return positionEngine{
		rate:         rate,
		bufferSize:   bufferSize,
		render:       render,
		elapsedCarry: NewAccumulator(uint64(positionResolution)),
		byteCarry:    NewAccumulator(unitsPerSecond),
	}
}

// reset clears every position and both carries.
func (e *positionEngine) reset() {
	e.linear = 0
	e.presentation = 0
	e.play = 0
	e.write = 0
	e.elapsedCarry.Reset()
	e.byteCarry.Reset()
}

// start sets the time baseline for the next advance.
func (e *positionEngine) start(now time.Duration) {
	e.dmaTimestamp = now
}

// advance moves the virtual hardware to now. Calling it again with the same
// now moves nothing because the displacement is always measured from the
// stored timestamp.
func (e *positionEngine) advance(now time.Duration, cur *PacketCursor) transferPlan {
	var elapsed uint64
	if now > e.dmaTimestamp {
		elapsed = uint64(now - e.dmaTimestamp)
	}

	units := e.elapsedCarry.Add(elapsed)
	displacement := e.byteCarry.AddProduct(e.rate, units)

	e.presentation += displacement

	plan := transferPlan{offset: e.linear % e.bufferSize}

	if e.render && cur.EndOfStream {
		displacement = e.clipToEndOfStream(displacement, uint64(cur.WritePosition), cur.LastBufferRendered)
		if !cur.LastBufferRendered &&
			(e.write+displacement)%e.bufferSize == uint64(cur.WritePosition)%e.bufferSize {
			cur.LastBufferRendered = true
			plan.rendered = true
		}
	}

	e.write = (e.write + displacement) % e.bufferSize
	e.play = e.write
	e.linear += displacement
	e.dmaTimestamp = now

	plan.n = displacement
	plan.linear = e.linear
	plan.write = cur.WritePosition
	return plan
}

// clipToEndOfStream keeps the wrapped write position from running past the
// committed EOS position. An EOS at the buffer length is the start of the
// next lap. Once the last buffer has rendered the position holds.
func (e *positionEngine) clipToEndOfStream(displacement, eos uint64, rendered bool) uint64 {
	if rendered {
		return 0
	}
	remaining := (eos%e.bufferSize + e.bufferSize - e.write) % e.bufferSize
	return min(displacement, remaining)
}

func (e *positionEngine) snapshot(now time.Duration) Positions {
	return Positions{
		Linear:       e.linear,
		Presentation: e.presentation,
		Play:         e.play,
		Write:        e.write,
		DMATimestamp: e.dmaTimestamp,
		QueryTime:    now,
	}
}

// packetTimestamp extrapolates the time at which the given completed packet
// count was reached from the current (linear position, timestamp)
// correlation.
func (e *positionEngine) packetTimestamp(counter, packetSize uint64) time.Duration {
	packetLinear := counter * packetSize
	carryBytes := e.elapsedCarry.Remainder() * e.rate / uint64(time.Second)
	delta := int64(e.linear+carryBytes) - int64(packetLinear)
	deltaTime := time.Duration(delta * int64(time.Second) / int64(e.rate))
	return e.dmaTimestamp - deltaTime
}
