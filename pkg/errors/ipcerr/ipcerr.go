// Copyright 2021 The gVisor Authors.
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

// Package ipcerr contains IPC result codes exported as error interface
// pointers. This allows for fast comparison and return operations.
package ipcerr

import (
	goerrors "errors"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors"
)

// The following errors correspond one to one with ipc.Retval codes, except
// for ipc.Success which is a nil error.
var (
	noError *errors.Error = nil

	// ErrReservePending is returned when an endpoint was created but its
	// reservation will only be granted once the buffer drains.
	ErrReservePending = errors.New(ipc.ReservePending, "reservation pending")

	// ErrTimedOut is returned when the deadline of a blocking operation
	// passed, or when a nonblocking operation would have blocked.
	ErrTimedOut = errors.New(ipc.ETimedOut, "operation timed out")

	// ErrNoMemory is returned when an allocation failed.
	ErrNoMemory = errors.New(ipc.ENoMemory, "out of memory")

	// ErrLimitExceeded is returned when a configured limit would be crossed.
	ErrLimitExceeded = errors.New(ipc.ELimitExceeded, "limit exceeded")

	// ErrInterrupted is returned if a blocking operation was interrupted
	// before it could complete.
	ErrInterrupted = errors.New(ipc.EInterrupted, "operation was interrupted")

	// ErrInvalidArgument is returned when the caller broke the contract of
	// an operation.
	ErrInvalidArgument = errors.New(ipc.EInvalidArgument, "invalid argument")

	// ErrMemoryFault is returned when copying to or from a caller supplied
	// buffer failed.
	ErrMemoryFault = errors.New(ipc.EMemoryFault, "bad address")

	// ErrReserveFailed is returned when a reservation could not be granted.
	ErrReserveFailed = errors.New(ipc.EReserveFailed, "reservation failed")

	// ErrHangup is returned when the receiving buffer no longer exists.
	ErrHangup = errors.New(ipc.EHangup, "peer hung up")

	// ErrNotFound is returned when a handle does not name an object of the
	// expected type.
	ErrNotFound = errors.New(ipc.ENotFound, "no such object")
)

var retvalMap = map[ipc.Retval]*errors.Error{
	ipc.ReservePending:   ErrReservePending,
	ipc.ETimedOut:        ErrTimedOut,
	ipc.ENoMemory:        ErrNoMemory,
	ipc.ELimitExceeded:   ErrLimitExceeded,
	ipc.EInterrupted:     ErrInterrupted,
	ipc.EInvalidArgument: ErrInvalidArgument,
	ipc.EMemoryFault:     ErrMemoryFault,
	ipc.EReserveFailed:   ErrReserveFailed,
	ipc.EHangup:          ErrHangup,
	ipc.ENotFound:        ErrNotFound,
}

// FromRetval returns the error for rv, or nil for ipc.Success.
func FromRetval(rv ipc.Retval) error {
	if rv == ipc.Success {
		return nil
	}
	if err, ok := retvalMap[rv]; ok {
		return err
	}
	return errors.New(rv, rv.String())
}

// ToRetval translates err to a result code. Errors that do not wrap an
// *errors.Error are reported as ipc.EInvalidArgument.
func ToRetval(err error) ipc.Retval {
	if err == nil {
		return ipc.Success
	}
	var e *errors.Error
	if goerrors.As(err, &e) && e != nil {
		return e.Retval()
	}
	return ipc.EInvalidArgument
}

// Equals compares an *errors.Error to a generic error.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	return ToRetval(err) == e.Retval()
}

// IsResourceExhaustion returns true for errors a sender is expected to
// handle by backing off and retrying.
func IsResourceExhaustion(err error) bool {
	switch ToRetval(err) {
	case ipc.ENoMemory, ipc.EReserveFailed, ipc.ELimitExceeded:
		return true
	default:
		return false
	}
}
