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
	"spindle.dev/spindle/pkg/metric"
)

var (
	buffersCreated      = metric.MustCreateNewUint64Metric("/ipc/buffers_created", "Number of IPC buffers created.")
	endpointsCreated    = metric.MustCreateNewUint64Metric("/ipc/endpoints_created", "Number of IPC endpoints created.")
	messagesWritten     = metric.MustCreateNewUint64Metric("/ipc/messages_written", "Number of messages written to IPC buffers.", metric.NewField("reservation", "reserved", "unreserved"))
	messagesRead        = metric.MustCreateNewUint64Metric("/ipc/messages_read", "Number of messages consumed from IPC buffers.")
	automaticMessages   = metric.MustCreateNewUint64Metric("/ipc/automatic_messages", "Number of messages synthesized by the kernel.", metric.NewField("kind", "reservation_released", "object_dropped"))
	hangups             = metric.MustCreateNewUint64Metric("/ipc/hangups", "Number of writes that found their buffer destroyed.")
	reservationsFailed  = metric.MustCreateNewUint64Metric("/ipc/reservations_failed", "Number of endpoint reservations that could not be granted.")
	reservationsPending = metric.MustCreateNewUint64Metric("/ipc/reservations_pending", "Number of endpoint reservations queued until space frees up.")
	deliveryFailures    = metric.MustCreateNewUint64Metric("/ipc/delivery_failures", "Number of messages whose capabilities could not be published to the receiver.")
)

func init() {
	metric.MustRegisterCustomUint64Metric("/ipc/live_buffers", false /* cumulative */, "Number of IPC buffers that have not been destroyed.", func(...string) uint64 {
		return uint64(LiveBuffers())
	})
}
