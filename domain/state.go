package domain

import "time"

// Key identifies one task row. Keys are exact, case-sensitive strings.
type Key struct {
	Floor string `json:"floor"`
	Room  string `json:"room"`
	Task  string `json:"task"`
}

// RoomKey returns the room the task belongs to.
func (k Key) RoomKey() RoomKey {
	return RoomKey{Floor: k.Floor, Room: k.Room}
}

// RoomKey identifies a room on a floor.
type RoomKey struct {
	Floor string `json:"floor"`
	Room  string `json:"room"`
}

// TaskState is the persisted, mutable part of a task. Hidden is a room
// attribute mirrored onto every task of the room.
type TaskState struct {
	Progress    int       `json:"progress"`
	Assignment  int       `json:"assignment"`
	Hidden      bool      `json:"hidden"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// TaskProgress is the per-task entry of a snapshot.
type TaskProgress struct {
	Progress   int `json:"progress"`
	Assignment int `json:"assignment"`
}

// RoomSnapshot groups the tasks of one room with its hidden flag.
type RoomSnapshot struct {
	Hidden bool                    `json:"hidden"`
	Tasks  map[string]TaskProgress `json:"tasks"`
}

// Snapshot is the full aggregated state: floor -> room -> room snapshot.
type Snapshot map[string]map[string]RoomSnapshot

// Room returns the snapshot of a room, creating the floor and room entries
// on first use.
func (s Snapshot) Room(floor, room string) RoomSnapshot {
	rooms, ok := s[floor]
	if !ok {
		rooms = make(map[string]RoomSnapshot)
		s[floor] = rooms
	}
	rs, ok := rooms[room]
	if !ok {
		rs = RoomSnapshot{Tasks: make(map[string]TaskProgress)}
		rooms[room] = rs
	}
	return rs
}
