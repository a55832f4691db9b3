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

package kernel

import (
	"time"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/metric"
)

var (
	tasksCreated = metric.MustCreateNewUint64Metric("/kernel/tasks_created", "Number of tasks created.")

	syscalls = metric.MustCreateNewUint64Metric("/kernel/syscalls", "Number of system calls made by tasks.",
		metric.NewField("op",
			"set_reply_buffer",
			"create_buffer",
			"create_endpoint",
			"send",
			"receive",
			"drop",
			"create_blob",
			"read_blob",
			"destroy_blob",
			"create_proxy",
			"invalidate_proxy",
			"ns_set",
			"ns_get",
		))

	receiveLatency = metric.MustCreateNewTimerMetric("/kernel/receive_latency",
		metric.NewDurationBucketer(12, 10*time.Microsecond, 10*time.Second),
		"Time spent by tasks waiting for and consuming a message.",
		metric.NewField("result", "ok", "timed_out", "hangup", "error"))
)

// retvalField returns the receive latency result field for err.
func retvalField(err error) string {
	switch ipcerr.ToRetval(err) {
	case ipc.Success:
		return "ok"
	case ipc.ETimedOut:
		return "timed_out"
	case ipc.EHangup:
		return "hangup"
	default:
		return "error"
	}
}
