// Copyright 2019 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostarch contains architecture-specific constants and helpers for
// sizes and alignment of kernel memory.
package hostarch

import (
	"encoding/binary"
)

const (
	// PageShift is the binary log of the page size used for IPC buffers.
	PageShift = 12

	// PageSize is the page size used for IPC buffers.
	PageSize = 1 << PageShift

	// WordSize is the size of a machine word in bytes.
	WordSize = 8
)

// ByteOrder is the native byte order of words stored in kernel memory.
var ByteOrder = binary.LittleEndian

// PageRoundDown returns v rounded down to the nearest page boundary.
func PageRoundDown(v uint64) uint64 {
	return v &^ (PageSize - 1)
}

// PageRoundUp returns v rounded up to the nearest page boundary.
// ok is true iff rounding up did not wrap around.
func PageRoundUp(v uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(v + PageSize - 1)
	ok = addr >= v
	return
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
// ok is true iff rounding up did not wrap around.
func AlignUp(v, align uint64) (aligned uint64, ok bool) {
	aligned = (v + align - 1) &^ (align - 1)
	ok = aligned >= v
	return
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// IsPageAligned returns true if v is a multiple of PageSize.
func IsPageAligned(v uint64) bool {
	return v&(PageSize-1) == 0
}
