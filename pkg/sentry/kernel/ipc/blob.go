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
	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/sync"
)

// Blob is an immutable chunk of data that can be passed around as a
// capability.
type Blob struct {
	kobj.Base

	mu sync.Mutex

	// data is nil once the blob has been destroyed. Protected by mu.
	data []byte
}

// NewBlob returns a blob holding a copy of data. It returns
// ipcerr.ErrLimitExceeded if data is larger than ipc.BlobSizeLimit.
func NewBlob(data []byte) (*Blob, error) {
	if len(data) > ipc.BlobSizeLimit {
		return nil, ipcerr.ErrLimitExceeded
	}
	b := &Blob{data: append(make([]byte, 0, len(data)), data...)}
	b.Init(kobj.TypeBlob, b.Destroy)
	return b, nil
}

// Size returns the size of the blob, or zero once it has been destroyed.
func (b *Blob) Size() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data))
}

// Read returns a copy of n bytes at off. It returns
// ipcerr.ErrInvalidArgument if the range is out of bounds or the blob has
// been destroyed.
func (b *Blob) Read(off, n uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, ipcerr.ErrInvalidArgument
	}
	size := uint64(len(b.data))
	if size < n || size-n < off {
		return nil, ipcerr.ErrInvalidArgument
	}
	return append([]byte(nil), b.data[off:off+n]...), nil
}

// Destroy frees the data for every holder of the blob.
func (b *Blob) Destroy() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}
