package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ericbjones/clean-invaders/domain"
)

const memoryPath = ":memory:"

// Storage owns the persisted per-task state. Writes are serialized; reads
// share the lock so a multi-row operation is never observed half-applied.
type Storage struct {
	db  *gorm.DB
	log *log.Logger
	now func() time.Time

	mu sync.RWMutex
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. Use ":memory:" for a throwaway store.
func Open(path string, logger *log.Logger) (*Storage, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	dsn := memoryPath
	if path != memoryPath {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &domain.StorageError{Op: "open", Err: fmt.Errorf("failed to create database directory: %w", err)}
			}
		}
		dsn = path + "?_pragma=busy_timeout(5000)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Err: err}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Err: err}
	}
	// Each :memory: connection is a separate database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&taskRow{}, &roomRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, &domain.StorageError{Op: "migrate", Err: err}
	}
	return &Storage{db: db, log: logger, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrap("ping", err)
	}
	return wrap("ping", sqlDB.PingContext(ctx))
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &domain.StorageError{Op: op, Err: err}
}

// write runs fn in one transaction under the exclusive lock.
func (s *Storage) write(ctx context.Context, op string, fn func(tx *gorm.DB, now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	now := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, now)
	})
	s.log.WithFields(log.Fields{
		"op":      op,
		"took_ms": float64(time.Since(start)) / float64(time.Millisecond),
		"ok":      err == nil,
	}).Debug("storage.write")
	return wrap(op, err)
}

func (s *Storage) read(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wrap(op, fn(s.db.WithContext(ctx)))
}

var taskKeyColumns = []clause.Column{{Name: "floor"}, {Name: "room"}, {Name: "task"}}

func ensureRooms(tx *gorm.DB, rooms []roomRow) error {
	if len(rooms) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rooms, 100).Error
}

func roomsOf(keys []domain.Key, now time.Time) []roomRow {
	seen := make(map[domain.RoomKey]struct{})
	var rooms []roomRow
	for _, k := range keys {
		rk := k.RoomKey()
		if _, ok := seen[rk]; ok {
			continue
		}
		seen[rk] = struct{}{}
		rooms = append(rooms, roomRow{Floor: rk.Floor, Room: rk.Room, LastUpdated: now})
	}
	return rooms
}

// Reconcile inserts a zeroed row for every key that has none. Existing rows
// are left untouched and rows for unknown keys are kept.
func (s *Storage) Reconcile(ctx context.Context, keys []domain.Key) error {
	return s.write(ctx, "reconcile", func(tx *gorm.DB, now time.Time) error {
		if len(keys) == 0 {
			return nil
		}
		rows := make([]taskRow, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, taskRow{Floor: k.Floor, Room: k.Room, Task: k.Task, LastUpdated: now})
		}
		if err := tx.Clauses(clause.OnConflict{Columns: taskKeyColumns, DoNothing: true}).CreateInBatches(rows, 100).Error; err != nil {
			return err
		}
		return ensureRooms(tx, roomsOf(keys, now))
	})
}

func (s *Storage) upsert(ctx context.Context, op string, key domain.Key, column string, value int) (int, error) {
	var row taskRow
	err := s.write(ctx, op, func(tx *gorm.DB, now time.Time) error {
		ins := taskRow{Floor: key.Floor, Room: key.Room, Task: key.Task, LastUpdated: now}
		switch column {
		case "progress":
			ins.Progress = value
		case "assignment":
			ins.Assignment = value
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   taskKeyColumns,
			DoUpdates: clause.Assignments(map[string]any{column: value, "last_updated": now}),
		}).Create(&ins).Error
		if err != nil {
			return err
		}
		if err := ensureRooms(tx, []roomRow{{Floor: key.Floor, Room: key.Room, LastUpdated: now}}); err != nil {
			return err
		}
		return tx.Where("floor = ? AND room = ? AND task = ?", key.Floor, key.Room, key.Task).First(&row).Error
	})
	if err != nil {
		return 0, err
	}
	if column == "assignment" {
		return row.Assignment, nil
	}
	return row.Progress, nil
}

// UpsertProgress sets the progress of key, creating the row if absent, and
// returns the stored value.
func (s *Storage) UpsertProgress(ctx context.Context, key domain.Key, progress int) (int, error) {
	return s.upsert(ctx, "update progress", key, "progress", progress)
}

// UpsertAssignment sets the assignee of key, creating the row if absent, and
// returns the stored value.
func (s *Storage) UpsertAssignment(ctx context.Context, key domain.Key, assignment int) (int, error) {
	return s.upsert(ctx, "update assignment", key, "assignment", assignment)
}

// ToggleRoomHidden flips the hidden flag of a room and returns the new value.
// A room with no task rows is left untouched and reports false.
func (s *Storage) ToggleRoomHidden(ctx context.Context, floor, room string) (bool, error) {
	var hidden bool
	err := s.write(ctx, "toggle room hidden", func(tx *gorm.DB, now time.Time) error {
		var tasks int64
		if err := tx.Model(&taskRow{}).Where("floor = ? AND room = ?", floor, room).Count(&tasks).Error; err != nil {
			return err
		}
		if tasks == 0 {
			return nil
		}
		var current roomRow
		err := tx.Where("floor = ? AND room = ?", floor, room).Limit(1).Find(&current).Error
		if err != nil {
			return err
		}
		hidden = !current.Hidden
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "floor"}, {Name: "room"}},
			DoUpdates: clause.Assignments(map[string]any{"hidden": hidden, "last_updated": now}),
		}).Create(&roomRow{Floor: floor, Room: room, Hidden: hidden, LastUpdated: now}).Error
		if err != nil {
			return err
		}
		return tx.Model(&taskRow{}).
			Where("floor = ? AND room = ?", floor, room).
			Update("last_updated", now).Error
	})
	return hidden, err
}

// ResetRoomProgress zeroes progress for every task of a room. Assignment and
// hidden are kept.
func (s *Storage) ResetRoomProgress(ctx context.Context, floor, room string) error {
	return s.write(ctx, "reset room", func(tx *gorm.DB, now time.Time) error {
		return tx.Model(&taskRow{}).
			Where("floor = ? AND room = ?", floor, room).
			Updates(map[string]any{"progress": 0, "last_updated": now}).Error
	})
}

// ResetAll recreates all rows from keys with zero progress and assignment,
// keeping the hidden flag of every room that survives. Readers see either
// the old or the new state.
func (s *Storage) ResetAll(ctx context.Context, keys []domain.Key) error {
	return s.write(ctx, "reset all", func(tx *gorm.DB, now time.Time) error {
		var rooms []roomRow
		if err := tx.Find(&rooms).Error; err != nil {
			return err
		}
		hidden := make(map[domain.RoomKey]bool, len(rooms))
		for _, r := range rooms {
			hidden[domain.RoomKey{Floor: r.Floor, Room: r.Room}] = r.Hidden
		}

		if err := tx.Where("1 = 1").Delete(&taskRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&roomRow{}).Error; err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}

		rows := make([]taskRow, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, taskRow{Floor: k.Floor, Room: k.Room, Task: k.Task, LastUpdated: now})
		}
		if err := tx.Clauses(clause.OnConflict{Columns: taskKeyColumns, DoNothing: true}).CreateInBatches(rows, 100).Error; err != nil {
			return err
		}
		restored := roomsOf(keys, now)
		for i := range restored {
			restored[i].Hidden = hidden[domain.RoomKey{Floor: restored[i].Floor, Room: restored[i].Room}]
		}
		return ensureRooms(tx, restored)
	})
}

// ResetAllHidden clears the hidden flag of every room.
func (s *Storage) ResetAllHidden(ctx context.Context) error {
	return s.write(ctx, "reset all hidden", func(tx *gorm.DB, now time.Time) error {
		var hidden []roomRow
		if err := tx.Where("hidden = ?", true).Find(&hidden).Error; err != nil {
			return err
		}
		for _, r := range hidden {
			err := tx.Model(&taskRow{}).
				Where("floor = ? AND room = ?", r.Floor, r.Room).
				Update("last_updated", now).Error
			if err != nil {
				return err
			}
		}
		return tx.Model(&roomRow{}).
			Where("hidden = ?", true).
			Updates(map[string]any{"hidden": false, "last_updated": now}).Error
	})
}

// Get returns the state of one key with the room's hidden flag applied.
func (s *Storage) Get(ctx context.Context, key domain.Key) (domain.TaskState, bool, error) {
	var (
		rows  []taskRow
		rooms []roomRow
	)
	err := s.read(ctx, "get", func(db *gorm.DB) error {
		if err := db.Where("floor = ? AND room = ? AND task = ?", key.Floor, key.Room, key.Task).Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		return db.Where("floor = ? AND room = ?", key.Floor, key.Room).Limit(1).Find(&rooms).Error
	})
	if err != nil || len(rows) == 0 {
		return domain.TaskState{}, false, err
	}
	st := domain.TaskState{
		Progress:    rows[0].Progress,
		Assignment:  rows[0].Assignment,
		LastUpdated: rows[0].LastUpdated,
	}
	if len(rooms) > 0 {
		st.Hidden = rooms[0].Hidden
	}
	return st, true, nil
}

// Snapshot aggregates every row into floor -> room -> tasks.
func (s *Storage) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var (
		tasks []taskRow
		rooms []roomRow
	)
	err := s.read(ctx, "snapshot", func(db *gorm.DB) error {
		if err := db.Find(&rooms).Error; err != nil {
			return err
		}
		return db.Find(&tasks).Error
	})
	if err != nil {
		return nil, err
	}

	snap := domain.Snapshot{}
	for _, r := range rooms {
		rs := snap.Room(r.Floor, r.Room)
		rs.Hidden = r.Hidden
		snap[r.Floor][r.Room] = rs
	}
	for _, t := range tasks {
		rs := snap.Room(t.Floor, t.Room)
		rs.Tasks[t.Task] = domain.TaskProgress{Progress: t.Progress, Assignment: t.Assignment}
	}
	return snap, nil
}
