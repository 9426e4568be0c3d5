package store

import (
	"time"

	"github.com/pelusa-v/grouprelay/internal/protocol"
)

// CachedMessage is the SQL representation of one received or locally
// originated message.
//
// Timestamp keeps the ISO-8601 text as received; SortTime is its parsed form
// and carries the ordered index. Seq records insertion order and breaks ties.
type CachedMessage struct {
	ID         string    `gorm:"primaryKey;not null"`
	Seq        int64     `gorm:"not null"`
	GroupCode  string    `gorm:"not null;index:idx_messages_group;index:idx_messages_group_ts,priority:1"`
	SortTime   time.Time `gorm:"not null;index:idx_messages_group_ts,priority:2"`
	Timestamp  string    `gorm:"not null"`
	Type       string    `gorm:"not null"`
	Content    string    `gorm:"not null"`
	FromDevice string    `gorm:"not null"`
	ClientID   string
}

func (CachedMessage) TableName() string { return "messages" }

// OutboxItem is a locally composed message not yet confirmed delivered.
type OutboxItem struct {
	ID         string    `gorm:"primaryKey;not null" json:"id"`
	GroupCode  string    `gorm:"not null;index:idx_outbox_group" json:"groupCode"`
	Content    string    `gorm:"not null" json:"content"`
	FromDevice string    `gorm:"not null" json:"fromDevice"`
	Timestamp  time.Time `gorm:"not null" json:"timestamp"`
}

func (OutboxItem) TableName() string { return "outbox" }

func (m CachedMessage) toMessage() protocol.Message {
	return protocol.Message{
		ID:         m.ID,
		Type:       m.Type,
		Content:    m.Content,
		FromDevice: m.FromDevice,
		GroupCode:  m.GroupCode,
		Timestamp:  m.Timestamp,
		ClientID:   m.ClientID,
	}
}
