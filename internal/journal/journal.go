// Package journal implements the Event Journal component: an
// append-only record of every tool invocation, indexed for rate-limit
// window counting and operator listings.
package journal

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/agentrail/walletcore/internal/coreerr"
)

// Status is the closed outcome set an event record can carry.
type Status string

const (
	StatusOK     Status = "ok"
	StatusDenied Status = "denied"
	StatusError  Status = "error"
)

// RedactionMarker replaces private keys, passphrases, and confirmation
// codes in request/response digests before they are journaled.
const RedactionMarker = "[redacted]"

// EventRecord is the gorm model backing the append-only event table.
// Events are never updated or deleted by this package.
type EventRecord struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	OccurredAt     time.Time `gorm:"index:idx_tool_agent_time,priority:3;not null"`
	ToolName       string    `gorm:"index:idx_tool_agent_time,priority:1;type:varchar(64);not null"`
	AgentID        *string   `gorm:"index:idx_tool_agent_time,priority:2;type:varchar(128)"`
	Status         string    `gorm:"type:varchar(16);not null"`
	RequestDigest  string    `gorm:"type:text"`
	ResponseDigest string    `gorm:"type:text"`
	ErrorKind      *string   `gorm:"type:varchar(64)"`
}

// TableName pins the table name explicitly, matching the convention
// used throughout this module's persistence layer.
func (EventRecord) TableName() string {
	return "events"
}

// Event is the caller-facing view of a journaled invocation.
type Event struct {
	OccurredAt     time.Time
	ToolName       string
	AgentID        string
	Status         Status
	RequestDigest  string
	ResponseDigest string
	ErrorKind      string
}

// Store is the Event Journal component.
type Store struct {
	db *gorm.DB
}

// NewStore opens (and migrates) the event table.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("journal: failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends a single event. AgentID may be empty for tools that
// are not scoped to an agent (e.g. provider_status). Failures here are
// the caller's responsibility to log at error level without failing
// the underlying operation (see Policy Engine).
func (s *Store) Record(occurredAt time.Time, toolName, agentID string, status Status, requestDigest, responseDigest, errorKind string) error {
	rec := EventRecord{
		OccurredAt:     occurredAt,
		ToolName:       toolName,
		Status:         string(status),
		RequestDigest:  requestDigest,
		ResponseDigest: responseDigest,
	}
	if agentID != "" {
		rec.AgentID = &agentID
	}
	if errorKind != "" {
		rec.ErrorKind = &errorKind
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("journal: append failed: %w", err)
	}
	return nil
}

// CountWindow counts events matching (tool, agent_id) whose
// occurred_at falls in [windowStart, now), the primitive the Policy
// Engine's rate limiter counts against instead of an in-memory bucket.
func (s *Store) CountWindow(toolName, agentID string, windowStart, now time.Time) (int64, error) {
	var count int64
	q := s.db.Model(&EventRecord{}).
		Where("tool_name = ?", toolName).
		Where("occurred_at >= ? AND occurred_at < ?", windowStart, now)
	if agentID != "" {
		q = q.Where("agent_id = ?", agentID)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("journal: window count failed: %w", err)
	}
	return count, nil
}

// List returns the most recent events in descending time order, for
// operator inspection. limit caps the result size.
func (s *Store) List(limit int) ([]Event, error) {
	var rows []EventRecord
	if err := s.db.Order("occurred_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: list failed: %w", err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToEvent(r))
	}
	return out, nil
}

// ForAgent returns the most recent events for a single agent in
// descending time order.
func (s *Store) ForAgent(agentID string, limit int) ([]Event, error) {
	if agentID == "" {
		return nil, coreerr.New(coreerr.NotFound, "agent_id required")
	}
	var rows []EventRecord
	if err := s.db.Where("agent_id = ?", agentID).Order("occurred_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: list for agent failed: %w", err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToEvent(r))
	}
	return out, nil
}

func rowToEvent(r EventRecord) Event {
	e := Event{
		OccurredAt:     r.OccurredAt,
		ToolName:       r.ToolName,
		Status:         Status(r.Status),
		RequestDigest:  r.RequestDigest,
		ResponseDigest: r.ResponseDigest,
	}
	if r.AgentID != nil {
		e.AgentID = *r.AgentID
	}
	if r.ErrorKind != nil {
		e.ErrorKind = *r.ErrorKind
	}
	return e
}
