package engine

import (
	"sync"

	"github.com/roach88/feedbackd/internal/event"
)

// TaskKind distinguishes queued work.
type TaskKind int

const (
	// Transport entry points.
	TaskPlay TaskKind = iota + 1
	TaskPause
	TaskResume
	TaskStop

	// Sink callbacks.
	TaskSynchronize
	TaskComplete
	TaskFail
	TaskSetResync
	TaskResynchronize

	// Deferred work scheduled by the engine itself.
	TaskAllPrepared
	TaskTeardown

	// Configuration.
	TaskReplaceEvents
)

var taskNames = map[TaskKind]string{
	TaskPlay:          "play",
	TaskPause:         "pause",
	TaskResume:        "resume",
	TaskStop:          "stop",
	TaskSynchronize:   "synchronize",
	TaskComplete:      "complete",
	TaskFail:          "fail",
	TaskSetResync:     "set_resync",
	TaskResynchronize: "resynchronize",
	TaskAllPrepared:   "all_prepared",
	TaskTeardown:      "teardown",
	TaskReplaceEvents: "replace_events",
}

func (k TaskKind) String() string {
	if s, ok := taskNames[k]; ok {
		return s
	}
	return "unknown"
}

// Task is one discrete step for the engine loop.
type Task struct {
	Kind    TaskKind
	Request *Request
	Sink    Sink

	// gen guards TaskAllPrepared against superseded schedules.
	gen    uint64
	events *event.Registry
}

// taskQueue is an unbounded FIFO shared by producers on any goroutine and
// the single consumer running the engine loop.
//
// The signal channel (buffer 1) coalesces wakeups so the loop can wait on it
// alongside context cancellation.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]Task, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends t. It returns false once the queue is closed.
func (q *taskQueue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front task without blocking.
func (q *taskQueue) TryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	// Clear the slot so the backing array does not pin finished requests.
	q.tasks[0] = Task{}
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Wait returns the wakeup channel. It is closed when the queue closes.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks and wakes any waiter. Queued tasks remain
// available to TryDequeue.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

func (q *taskQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
