// Package store is the device-local durable cache of received messages and the
// outbox of messages composed while disconnected.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pelusa-v/grouprelay/internal/protocol"
)

const (
	// Format of a private in-memory SQLite database; each store gets its own
	// name so two stores never share tables.
	temporaryDbPathFormat = "file:%s?mode=memory&cache=shared"

	// Maximum runtime of one store operation.
	dbTimeout = 3 * time.Second

	// OutboxIDPrefix keeps outbox ids apart from relay-assigned ULIDs, which
	// never contain an underscore.
	OutboxIDPrefix = "outbox_"
)

var ErrInvalidMessage = errors.New("invalid message")

// Store implements the local store over SQLite.
type Store struct {
	db  *gorm.DB
	seq atomic.Int64
	now func() time.Time
}

// Open creates or opens the store at path. An empty path gives a temporary
// in-memory database.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	inMemory := path == ""
	if inMemory {
		path = fmt.Sprintf(temporaryDbPathFormat, uuid.NewString())
		logger.Warn().Msg("no store path specified, using temporary in-memory database")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.New(&logger, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.Errorf("unable to initialize store backend: %+v", err)
	}

	sqlDb, err := db.DB()
	if err != nil {
		return nil, errors.Errorf("unable to configure store connection pool: %+v", err)
	}
	// One connection serializes writers; SQLite would otherwise report
	// "database is locked" under concurrent writes.
	sqlDb.SetMaxOpenConns(1)
	if inMemory {
		// The database lives only as long as its last connection.
		sqlDb.SetMaxIdleConns(1)
		sqlDb.SetConnMaxIdleTime(0)
		sqlDb.SetConnMaxLifetime(0)
	} else {
		sqlDb.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err = db.AutoMigrate(&CachedMessage{}, &OutboxItem{}); err != nil {
		_ = sqlDb.Close()
		return nil, errors.WithMessage(err, "failed to migrate store schema")
	}

	s := &Store{db: db, now: time.Now}

	var maxSeq int64
	if err = db.Model(&CachedMessage{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
		_ = sqlDb.Close()
		return nil, errors.WithMessage(err, "failed to read message sequence")
	}
	s.seq.Store(maxSeq)

	logger.Debug().Str("path", path).Msg("store initialized")
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	sqlDb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDb.Close()
}

func (s *Store) withTimeout(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	return s.db.WithContext(ctx), cancel
}

// AddMessage caches msg under groupCode. A message with an id already present
// replaces the stored one but keeps its insertion position.
func (s *Store) AddMessage(ctx context.Context, groupCode string, msg protocol.Message) error {
	if msg.ID == "" {
		return errors.Wrap(ErrInvalidMessage, "message id is empty")
	}
	if groupCode == "" {
		return errors.Wrap(ErrInvalidMessage, "group code is empty")
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
	if err != nil {
		return errors.Wrapf(ErrInvalidMessage, "timestamp %q: %v", msg.Timestamp, err)
	}

	row := &CachedMessage{
		ID:         msg.ID,
		Seq:        s.seq.Add(1),
		GroupCode:  groupCode,
		SortTime:   ts.UTC(),
		Timestamp:  msg.Timestamp,
		Type:       msg.Type,
		Content:    msg.Content,
		FromDevice: msg.FromDevice,
		ClientID:   msg.ClientID,
	}

	db, cancel := s.withTimeout(ctx)
	defer cancel()
	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"group_code", "sort_time", "timestamp", "type", "content", "from_device", "client_id",
		}),
	}).Create(row).Error
	return errors.WithMessagef(err, "failed to AddMessage %s", msg.ID)
}

// GetMessagesByGroup returns the cached messages of groupCode, oldest first.
func (s *Store) GetMessagesByGroup(ctx context.Context, groupCode string) ([]protocol.Message, error) {
	var rows []CachedMessage
	db, cancel := s.withTimeout(ctx)
	defer cancel()
	err := db.Where("group_code = ?", groupCode).
		Order("sort_time ASC").Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to GetMessagesByGroup %s", groupCode)
	}

	out := make([]protocol.Message, len(rows))
	for i, r := range rows {
		out[i] = r.toMessage()
	}
	return out, nil
}

// NewOutboxID returns a fresh outbox id.
func NewOutboxID() string {
	return OutboxIDPrefix + uuid.NewString()
}

// IsOutboxID reports whether id was generated by NewOutboxID.
func IsOutboxID(id string) bool {
	return strings.HasPrefix(id, OutboxIDPrefix)
}

// AddToOutbox stages content for groupCode and returns the stored item so the
// caller can render it before delivery is confirmed.
func (s *Store) AddToOutbox(ctx context.Context, groupCode, content, fromDevice string) (*OutboxItem, error) {
	if groupCode == "" {
		return nil, errors.Wrap(ErrInvalidMessage, "group code is empty")
	}
	item := &OutboxItem{
		ID:         NewOutboxID(),
		GroupCode:  groupCode,
		Content:    content,
		FromDevice: fromDevice,
		Timestamp:  s.now().UTC(),
	}

	db, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := db.Create(item).Error; err != nil {
		return nil, errors.WithMessage(err, "failed to AddToOutbox")
	}
	return item, nil
}

// GetOutboxByGroup returns the staged items of groupCode, oldest first.
func (s *Store) GetOutboxByGroup(ctx context.Context, groupCode string) ([]OutboxItem, error) {
	var items []OutboxItem
	db, cancel := s.withTimeout(ctx)
	defer cancel()
	err := db.Where("group_code = ?", groupCode).
		Order("timestamp ASC").Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to GetOutboxByGroup %s", groupCode)
	}
	return items, nil
}

// OutboxGroups lists the groups that have staged items.
func (s *Store) OutboxGroups(ctx context.Context) ([]string, error) {
	var groups []string
	db, cancel := s.withTimeout(ctx)
	defer cancel()
	err := db.Model(&OutboxItem{}).Distinct("group_code").Order("group_code").Pluck("group_code", &groups).Error
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list outbox groups")
	}
	return groups, nil
}

// RemoveOutboxByID deletes one staged item. A missing id is not an error.
func (s *Store) RemoveOutboxByID(ctx context.Context, id string) error {
	db, cancel := s.withTimeout(ctx)
	defer cancel()
	err := db.Where("id = ?", id).Delete(&OutboxItem{}).Error
	return errors.WithMessagef(err, "failed to RemoveOutboxByID %s", id)
}

// ClearAllData empties both collections in one transaction.
func (s *Store) ClearAllData(ctx context.Context) error {
	db, cancel := s.withTimeout(ctx)
	defer cancel()
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&CachedMessage{}).Error; err != nil {
			return err
		}
		return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&OutboxItem{}).Error
	})
	return errors.WithMessage(err, "failed to ClearAllData")
}

// ClearGroupData deletes the messages and outbox items of groupCode through
// the group index, leaving other groups untouched. Both deletes commit
// together. An empty group code is a no-op.
func (s *Store) ClearGroupData(ctx context.Context, groupCode string) error {
	if groupCode == "" {
		return nil
	}
	db, cancel := s.withTimeout(ctx)
	defer cancel()
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_code = ?", groupCode).Delete(&CachedMessage{}).Error; err != nil {
			return err
		}
		return tx.Where("group_code = ?", groupCode).Delete(&OutboxItem{}).Error
	})
	return errors.WithMessagef(err, "failed to ClearGroupData %s", groupCode)
}
