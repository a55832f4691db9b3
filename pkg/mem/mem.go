// Copyright 2025 The gVisor Authors.
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

// Package mem provides page-granular anonymous memory objects used as the
// backing store of IPC buffers.
package mem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/hostarch"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/memutil"
	"spindle.dev/spindle/pkg/refs"
)

// Mem is a reference-counted region of anonymous memory. The mapping is
// released when the last reference is dropped.
type Mem struct {
	refs.AtomicRefCount

	// data is the mapping. It is nil after the last DecRef.
	data []byte
}

// New maps size bytes of zeroed memory. size is rounded up to the page size.
// New returns ipcerr.ErrNoMemory if the mapping cannot be created.
func New(size uint64) (*Mem, error) {
	if size == 0 {
		return nil, ipcerr.ErrInvalidArgument
	}
	rounded, ok := hostarch.PageRoundUp(size)
	if !ok || rounded > uint64(int(^uint(0)>>1)) {
		return nil, ipcerr.ErrNoMemory
	}
	data, err := memutil.MapSlice(int(rounded), unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		log.Warningf("Failed to map %d bytes: %v", rounded, err)
		return nil, ipcerr.ErrNoMemory
	}
	return &Mem{data: data}, nil
}

// Size returns the size of the mapping in bytes.
func (m *Mem) Size() uint64 {
	return uint64(len(m.data))
}

func (m *Mem) check(off, n uint64) {
	if end := off + n; end < off || end > uint64(len(m.data)) {
		panic(fmt.Sprintf("mem access [%#x, %#x) out of bounds of %#x byte region", off, off+n, len(m.data)))
	}
}

// ReadWord reads the word at off.
func (m *Mem) ReadWord(off uint64) uint64 {
	m.check(off, hostarch.WordSize)
	return hostarch.ByteOrder.Uint64(m.data[off:])
}

// WriteWord writes v at off.
func (m *Mem) WriteWord(off uint64, v uint64) {
	m.check(off, hostarch.WordSize)
	hostarch.ByteOrder.PutUint64(m.data[off:], v)
}

// ReadAt copies len(dst) bytes starting at off into dst.
func (m *Mem) ReadAt(dst []byte, off uint64) {
	m.check(off, uint64(len(dst)))
	copy(dst, m.data[off:])
}

// WriteAt copies src into the region starting at off.
func (m *Mem) WriteAt(src []byte, off uint64) {
	m.check(off, uint64(len(src)))
	copy(m.data[off:], src)
}

// Slice returns the n bytes starting at off. The slice aliases the mapping
// and must not be used after the last reference is dropped.
func (m *Mem) Slice(off, n uint64) []byte {
	m.check(off, n)
	return m.data[off : off+n : off+n]
}

// DecRef drops a reference and unmaps the region on the last one.
func (m *Mem) DecRef() {
	m.DecRefWithDestructor(m.free)
}

func (m *Mem) free() {
	if err := memutil.UnmapSlice(m.data); err != nil {
		panic(fmt.Sprintf("failed to unmap %d bytes: %v", len(m.data), err))
	}
	m.data = nil
}
