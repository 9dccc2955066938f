// Package alarm schedules durable one-shot reminders. Records persist
// across restarts; on startup the scheduler discards alarms whose
// adjusted target time already passed (stale reminders are never
// delivered late) and re-arms the rest. Firing emits to the owning user
// best-effort and then always deletes the record.
package alarm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pigeon/internal/db"
	"pigeon/internal/models"
)

type Emitter interface {
	Emit(userID, event string, payload any)
}

type Scheduler struct {
	db  *db.Database
	out Emitter

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewScheduler(database *db.Database, out Emitter) *Scheduler {
	return &Scheduler{
		db:     database,
		out:    out,
		timers: make(map[string]*time.Timer),
	}
}

// Start recovers persisted alarms. An alarm is stale when its target
// time on the client clock is not ahead of the skew-adjusted server
// clock (time < serverNow + delta); stale records are removed without
// firing.
func (s *Scheduler) Start() error {
	alarms, err := s.db.ListAlarms()
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	armed, expired := 0, 0
	for _, a := range alarms {
		if a.Time < now+a.Delta {
			if err := s.db.DeleteAlarm(a.ID); err != nil {
				slog.Error("Failed to remove expired alarm", "alarm_id", a.ID, "error", err)
			}
			expired++
			continue
		}
		s.arm(a)
		armed++
	}

	slog.Info("Alarm scheduler started", "armed", armed, "expired", expired)
	return nil
}

// Schedule persists a new alarm and arms its timer. The skew delta
// (server time minus client time at creation) normalizes the firing
// offset against the client's clock.
func (s *Scheduler) Schedule(userID, messageID string, clientTime, clientNow int64) (*models.Alarm, error) {
	a := models.Alarm{
		ID:        uuid.New().String(),
		UserID:    userID,
		MessageID: messageID,
		Time:      clientTime,
		Delta:     time.Now().UnixMilli() - clientNow,
	}
	if err := s.db.InsertAlarm(&a); err != nil {
		return nil, err
	}
	s.arm(a)
	return &a, nil
}

func (s *Scheduler) arm(a models.Alarm) {
	offset := a.Time - (time.Now().UnixMilli() + a.Delta)
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers[a.ID] = time.AfterFunc(time.Duration(offset)*time.Millisecond, func() {
		s.fire(a)
	})
}

// fire emits best-effort and deletes the record unconditionally; a
// skipped deletion would make the alarm replay on the next restart.
func (s *Scheduler) fire(a models.Alarm) {
	s.mu.Lock()
	delete(s.timers, a.ID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	msg, err := s.db.GetMessage(a.MessageID)
	if err != nil {
		slog.Warn("Alarm target message unavailable", "alarm_id", a.ID, "message_id", a.MessageID, "error", err)
	} else {
		s.out.Emit(a.UserID, "Alarm", models.AlarmEvent{Message: msg, Alarm: &a})
	}

	if err := s.db.DeleteAlarm(a.ID); err != nil {
		slog.Error("Failed to delete fired alarm", "alarm_id", a.ID, "error", err)
	}
}

// Stop cancels all armed timers. Persisted records stay for the next
// start to recover.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
