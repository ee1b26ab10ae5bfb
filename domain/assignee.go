package domain

// Assignee is the integer owner id stored on a task. The store accepts any
// value; the named palette below is what the dashboard renders.
type Assignee int

const (
	Unassigned Assignee = iota
	Magenta
	Orange
	Red
	Blue
	Green
	Cyan
)

var assigneeNames = [...]string{"Unassigned", "Magenta", "Orange", "Red", "Blue", "Green", "Cyan"}

func (a Assignee) String() string {
	if a < 0 || int(a) >= len(assigneeNames) {
		return "Unknown"
	}
	return assigneeNames[a]
}
