// Package queue provides one serialized, concurrency-1 execution queue
// per active user. Commands from one user run in submission order no
// matter which connection submitted them; different users' queues run
// in parallel.
package queue

import (
	"log/slog"
	"sync"
)

type Manager struct {
	mu     sync.Mutex
	queues map[string]*userQueue
}

func NewManager() *Manager {
	return &Manager{queues: make(map[string]*userQueue)}
}

// Enqueue appends the task to userID's queue, creating the queue and
// its worker if this is the first task since the user became active.
// Tasks are never re-ordered or dropped.
func (m *Manager) Enqueue(userID string, task func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[userID]
	if !ok {
		q = newUserQueue()
		m.queues[userID] = q
		go q.run(userID)
	}
	q.push(task)
}

// Release tears down userID's queue. Call only when the user's live
// connection count has reached zero; tasks already enqueued still run
// to completion before the worker exits. A reconnect before Release
// reuses the existing queue, preserving ordering across the gap. A
// reconnect after Release gets a fresh worker, which can overlap with
// a task the old worker is still draining; serialization holds within
// each connected session, not across the disconnect boundary.
func (m *Manager) Release(userID string) {
	m.mu.Lock()
	q, ok := m.queues[userID]
	if ok {
		delete(m.queues, userID)
	}
	m.mu.Unlock()

	if ok {
		q.close()
	}
}

// Active reports whether userID currently has a queue.
func (m *Manager) Active(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[userID]
	return ok
}

type userQueue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    bool
}

func newUserQueue() *userQueue {
	return &userQueue{wake: make(chan struct{}, 1)}
}

func (q *userQueue) push(task func()) {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.mu.Unlock()
	q.signal()
}

func (q *userQueue) close() {
	q.mu.Lock()
	q.done = true
	q.mu.Unlock()
	q.signal()
}

func (q *userQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *userQueue) run(userID string) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			done := q.done
			q.mu.Unlock()
			if done {
				return
			}
			<-q.wake
			continue
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		runTask(userID, task)
	}
}

// runTask confines a panicking command to its own slot in the queue;
// subsequent tasks for the user still run.
func runTask(userID string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Command panicked", "user_id", userID, "panic", r)
		}
	}()
	task()
}
