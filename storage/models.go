package storage

import "time"

// taskRow is the persisted state of one (floor, room, task) key.
type taskRow struct {
	ID          uint      `gorm:"primaryKey"`
	Floor       string    `gorm:"not null;uniqueIndex:idx_task_key,priority:1"`
	Room        string    `gorm:"not null;uniqueIndex:idx_task_key,priority:2"`
	Task        string    `gorm:"not null;uniqueIndex:idx_task_key,priority:3"`
	Progress    int       `gorm:"not null;default:0"`
	Assignment  int       `gorm:"not null;default:0"`
	LastUpdated time.Time `gorm:"not null"`
}

func (taskRow) TableName() string { return "task_states" }

// roomRow holds the hidden flag once per room.
type roomRow struct {
	Floor       string    `gorm:"primaryKey"`
	Room        string    `gorm:"primaryKey"`
	Hidden      bool      `gorm:"not null;default:false"`
	LastUpdated time.Time `gorm:"not null"`
}

func (roomRow) TableName() string { return "room_states" }
