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

// Package kernel provides the task-level interface to kernel objects: every
// task owns a capability table, and the operations on Task are the system
// calls through which it creates, sends and receives them.
//
// Lock order (outermost locks must be taken first):
//
//	Kernel.mu
//	  Task.mu
//	    kobj.Table.mu
//	      ipc.Buffer.mu
package kernel

import (
	"fmt"
	"sync/atomic"

	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/sync"
)

// ThreadID identifies a task within a kernel.
type ThreadID int64

// Kernel holds the state shared by all tasks. It must be initialized by
// calling Init.
type Kernel struct {
	mu sync.Mutex

	// started is true once Init has been called. Protected by mu.
	started bool

	// handleLimit is the capability table limit of new tasks. Immutable
	// after Init.
	handleLimit int

	// nameService is the root name service object given to every task that
	// asks for it, or nil if none has been set. Protected by mu.
	nameService kobj.Object

	// tasks holds the tasks that have not exited. Protected by mu.
	tasks map[ThreadID]*Task

	// lastTID is the last ThreadID handed out.
	lastTID atomic.Int64
}

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// HandleLimit is the number of handles each task's capability table may
	// hold. Zero means kobj.DefaultLimit.
	HandleLimit int
}

// Init initializes the Kernel with no tasks.
func (k *Kernel) Init(args InitKernelArgs) error {
	if args.HandleLimit < 0 {
		return fmt.Errorf("HandleLimit is negative: %d", args.HandleLimit)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return fmt.Errorf("kernel already initialized")
	}
	k.started = true
	k.handleLimit = args.HandleLimit
	if k.handleLimit == 0 {
		k.handleLimit = kobj.DefaultLimit
	}
	k.tasks = make(map[ThreadID]*Task)
	log.Infof("Kernel initialized, handle limit %d", k.handleLimit)
	return nil
}

// HandleLimit returns the capability table limit of new tasks.
func (k *Kernel) HandleLimit() int {
	return k.handleLimit
}

// NewTask creates a task with an empty capability table.
func (k *Kernel) NewTask(name string) (*Task, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.started {
		return nil, fmt.Errorf("kernel not initialized")
	}
	t := &Task{
		k:     k,
		tid:   ThreadID(k.lastTID.Add(1)),
		name:  name,
		table: kobj.NewTable(k.handleLimit),
	}
	k.tasks[t.tid] = t
	tasksCreated.Increment()
	log.Debugf("[%d:%s] Task created", t.tid, name)
	return t, nil
}

// Tasks returns the number of tasks that have not exited.
func (k *Kernel) Tasks() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tasks)
}

func (k *Kernel) removeTask(t *Task) {
	k.mu.Lock()
	delete(k.tasks, t.tid)
	k.mu.Unlock()
}

// setNameService replaces the root name service object, consuming the
// caller's reference to obj.
func (k *Kernel) setNameService(obj kobj.Object) {
	k.mu.Lock()
	old := k.nameService
	k.nameService = obj
	k.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// getNameService returns a new reference to the root name service object,
// or nil if none has been set.
func (k *Kernel) getNameService() kobj.Object {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.nameService == nil {
		return nil
	}
	k.nameService.IncRef()
	return k.nameService
}

// Destroy makes every remaining task exit and drops the name service.
func (k *Kernel) Destroy() {
	k.mu.Lock()
	tasks := make([]*Task, 0, len(k.tasks))
	for _, t := range k.tasks {
		tasks = append(tasks, t)
	}
	k.mu.Unlock()

	for _, t := range tasks {
		t.Exit()
	}
	k.setNameService(nil)
}
