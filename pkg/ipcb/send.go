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

package ipcb

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/sentry/kernel"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/waiter"
)

const (
	// initialSendBackoff is the first delay before a failed send is retried.
	initialSendBackoff = time.Millisecond

	// maxSendBackoff caps the delay between retries.
	maxSendBackoff = 100 * time.Millisecond

	// maxSendElapsed bounds the time spent retrying a single send.
	maxSendElapsed = 10 * time.Second
)

var sendLog = log.BasicRateLimitedLogger(time.Second)

// newSendBackOff returns the retry policy of SendWithBackoff.
func newSendBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialSendBackoff
	b.MaxInterval = maxSendBackoff
	b.MaxElapsedTime = maxSendElapsed
	return backoff.WithContext(b, ctx)
}

// SendWithBackoff sends msg with data through ep, blocking for buffer space.
// Sends that fail for lack of kernel resources are retried with exponential
// backoff until ctx is done. Other errors are returned at once.
func SendWithBackoff(ctx context.Context, t *kernel.Task, ep kobj.Handle, msg ipc.Message, data []byte) error {
	attempts := 0
	op := func() error {
		attempts++
		err := t.Send(ctx, ep, msg, data, waiter.NoTimeout)
		switch {
		case err == nil:
			return nil
		case ipcerr.IsResourceExhaustion(err):
			sendLog.Infof("Send from %v through handle %d failed, retrying: %v", t, ep, err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	err := backoff.Retry(op, newSendBackOff(ctx))
	if err != nil && attempts > 1 {
		log.Debugf("Send from %v through handle %d gave up after %d attempts: %v", t, ep, attempts, err)
	}
	return err
}
