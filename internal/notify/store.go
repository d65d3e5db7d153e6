// Package notify holds the shared, capped log of machine alerts.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/machine-monitor/internal/metrics"
	"github.com/miradorstack/machine-monitor/internal/models"
)

// DefaultLimit is the number of notifications kept before the oldest are dropped.
const DefaultLimit = 50

// Store is an ordered, capped notification log, newest first. It is safe for
// concurrent use and every read returns a copy.
type Store struct {
	mu      sync.RWMutex
	entries []models.Notification
	limit   int
	logger  *slog.Logger
	newID   func() string
}

// NewStore creates a store keeping at most limit entries (DefaultLimit when <= 0).
func NewStore(limit int, logger *slog.Logger) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make([]models.Notification, 0, limit),
		limit:   limit,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// Append records an unread notification at the head and drops entries beyond the limit.
func (s *Store) Append(machineID int, severity models.Severity, message string, ts time.Time) models.Notification {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	n := models.Notification{
		ID:        s.newID(),
		MachineID: machineID,
		Severity:  severity,
		Message:   message,
		Timestamp: ts,
	}

	s.mu.Lock()
	s.entries = append(s.entries, models.Notification{})
	copy(s.entries[1:], s.entries)
	s.entries[0] = n
	if len(s.entries) > s.limit {
		clear(s.entries[s.limit:])
		s.entries = s.entries[:s.limit]
	}
	s.mu.Unlock()

	metrics.NotificationAppended(string(severity))
	s.logger.Info("notification added",
		slog.String("id", n.ID),
		slog.Int("machine_id", machineID),
		slog.String("severity", string(severity)),
		slog.String("message", message))
	return n
}

// MarkRead flags the notification with id as read. It reports whether the id exists.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].Read = true
			return true
		}
	}
	return false
}

// MarkAllRead flags every notification as read and returns how many changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for i := range s.entries {
		if !s.entries[i].Read {
			s.entries[i].Read = true
			changed++
		}
	}
	return changed
}

// Clear removes every notification and returns how many were dropped.
func (s *Store) Clear() int {
	s.mu.Lock()
	count := len(s.entries)
	s.entries = make([]models.Notification, 0, s.limit)
	s.mu.Unlock()

	s.logger.Info("cleared notifications", slog.Int("count", count))
	return count
}

// Snapshot returns a copy of all notifications, newest first.
func (s *Store) Snapshot() []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Notification(nil), s.entries...)
}

// ForMachine returns a copy of the notifications raised for machineID, newest first.
func (s *Store) ForMachine(machineID int) []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Notification, 0)
	for _, n := range s.entries {
		if n.MachineID == machineID {
			out = append(out, n)
		}
	}
	return out
}

// Unread counts notifications not yet read.
func (s *Store) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.entries {
		if !n.Read {
			count++
		}
	}
	return count
}

// Len returns the number of stored notifications.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Limit returns the configured capacity.
func (s *Store) Limit() int { return s.limit }
