package task

// Priority orders submitted tasks. Scheduling picks the highest rank first;
// ties fall back to submission order.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank maps priorities to a comparable weight. Unknown values schedule as
// normal.
func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the defined priorities or empty.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}
