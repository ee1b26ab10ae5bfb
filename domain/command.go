package domain

// ProgressCommand sets the progress of one task.
type ProgressCommand struct {
	Floor    string `json:"floor"`
	Room     string `json:"room"`
	Task     string `json:"task"`
	Progress *int   `json:"progress"`
}

// AssignmentCommand sets the assignee of one task.
type AssignmentCommand struct {
	Floor      string `json:"floor"`
	Room       string `json:"room"`
	Task       string `json:"task"`
	Assignment *int   `json:"assignment"`
}

// RoomCommand addresses a whole room (toggle hidden, reset room).
type RoomCommand struct {
	Floor string `json:"floor"`
	Room  string `json:"room"`
}

// Change kinds published to live clients after a command is persisted.
const (
	ChangeProgress       = "progress"
	ChangeAssignment     = "assignment"
	ChangeRoomHidden     = "room-hidden"
	ChangeRoomReset      = "room-reset"
	ChangeResetAll       = "reset-all"
	ChangeResetAllHidden = "reset-all-hidden"
)

// Change describes a persisted state change.
type Change struct {
	Type       string `json:"type"`
	Floor      string `json:"floor,omitempty"`
	Room       string `json:"room,omitempty"`
	Task       string `json:"task,omitempty"`
	Progress   *int   `json:"progress,omitempty"`
	Assignment *int   `json:"assignment,omitempty"`
	Hidden     *bool  `json:"hidden,omitempty"`
}
