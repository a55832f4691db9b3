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

package ipc

import (
	"fmt"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/hostarch"
	"spindle.dev/spindle/pkg/mem"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
)

// A record is one message as stored in buffer memory. Every field is a
// little-endian word:
//
//	word 0       total bytes of the record, including padding
//	word 1       flags
//	word 2       endpoint tag
//	word 3       data length
//	word 4       optional data length
//	words 5-10   arguments
//
// The header is followed by the data and then the optional data. Records
// start at multiples of RecordAlign.
const (
	wordTotal = iota
	wordFlags
	wordTag
	wordDataLen
	wordOptionalLen
	wordArgs

	// HeaderSize is the size of a record header in bytes.
	HeaderSize = (wordArgs + ipc.MessageArgs) * hostarch.WordSize

	// RecordAlign is the alignment of records in buffer memory.
	RecordAlign = hostarch.WordSize
)

// alignRecord rounds n up to RecordAlign. ok is false on overflow.
func alignRecord(n uint64) (uint64, bool) {
	return hostarch.AlignUp(n, RecordAlign)
}

// WriteData is a message to be written into a buffer.
type WriteData struct {
	// Message holds the flags and arguments. The endpoint tag is filled in
	// by the endpoint.
	Message ipc.Message

	// Data is written in full or not at all.
	Data []byte

	// Optional is truncated to whatever space is left.
	Optional []byte

	// Objects holds the kernel objects of the ArgKObject slots of Message.
	// A successful write transfers their references to the buffer.
	Objects [ipc.MessageArgs]kobj.Object

	// replies marks the Objects that are reply endpoints created for this
	// message.
	replies [ipc.MessageArgs]bool
}

// minSize is the unaligned size of the header and mandatory data.
func (wd *WriteData) minSize() uint64 {
	return HeaderSize + uint64(len(wd.Data))
}

// fullSize is the unaligned size of the whole message.
func (wd *WriteData) fullSize() uint64 {
	return wd.minSize() + uint64(len(wd.Optional))
}

// Record is a message read back out of a buffer.
type Record struct {
	// Message holds the endpoint tag, flags and arguments as stored. Slots of
	// type ArgKObject hold buffer-internal slot numbers until delivered.
	Message ipc.Message

	// Data is a copy of the mandatory data.
	Data []byte

	// Optional is a copy of the optional data that fit.
	Optional []byte
}

// encodeRecord writes wd into m at off as a record of size bytes, of which
// optLen bytes of optional data fit. args replaces wd.Message.Args.
func encodeRecord(m *mem.Mem, off, size uint64, tag uint64, wd *WriteData, args *[ipc.MessageArgs]uint64, optLen uint64) {
	m.WriteWord(off+wordTotal*hostarch.WordSize, size)
	m.WriteWord(off+wordFlags*hostarch.WordSize, uint64(wd.Message.Flags))
	m.WriteWord(off+wordTag*hostarch.WordSize, tag)
	m.WriteWord(off+wordDataLen*hostarch.WordSize, uint64(len(wd.Data)))
	m.WriteWord(off+wordOptionalLen*hostarch.WordSize, optLen)
	for i, a := range args {
		m.WriteWord(off+uint64(wordArgs+i)*hostarch.WordSize, a)
	}
	m.WriteAt(wd.Data, off+HeaderSize)
	m.WriteAt(wd.Optional[:optLen], off+HeaderSize+uint64(len(wd.Data)))
}

// decodeMessage reads the header of the record at off.
func decodeMessage(m *mem.Mem, off uint64) (msg ipc.Message, dataLen, optLen uint64) {
	msg.Flags = ipc.MessageFlags(m.ReadWord(off + wordFlags*hostarch.WordSize))
	msg.EndpointTag = m.ReadWord(off + wordTag*hostarch.WordSize)
	for i := range msg.Args {
		msg.Args[i] = m.ReadWord(off + uint64(wordArgs+i)*hostarch.WordSize)
	}
	return msg, m.ReadWord(off + wordDataLen*hostarch.WordSize), m.ReadWord(off + wordOptionalLen*hostarch.WordSize)
}

// decodeRecord copies out the record at off, which must be at most size
// bytes long.
func decodeRecord(m *mem.Mem, off, size uint64) Record {
	msg, dataLen, optLen := decodeMessage(m, off)
	if dataLen > size || optLen > size || HeaderSize+dataLen+optLen > size {
		panic(fmt.Sprintf("corrupt record at %#x: %d data and %d optional bytes in a %d byte record", off, dataLen, optLen, size))
	}
	rec := Record{
		Message:  msg,
		Data:     make([]byte, dataLen),
		Optional: make([]byte, optLen),
	}
	m.ReadAt(rec.Data, off+HeaderSize)
	m.ReadAt(rec.Optional, off+HeaderSize+dataLen)
	return rec
}
