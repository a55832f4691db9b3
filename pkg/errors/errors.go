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

// Package errors holds the standardized error definition for spindle.
package errors

import (
	"spindle.dev/spindle/pkg/abi/ipc"
)

// Error represents an IPC result code with a descriptive message.
type Error struct {
	retval  ipc.Retval
	message string
}

// New creates a new *Error.
func New(rv ipc.Retval, message string) *Error {
	return &Error{
		retval:  rv,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Retval returns the underlying ipc.Retval value.
func (e *Error) Retval() ipc.Retval { return e.retval }
