package domain

// transitions maps each status to the statuses it may move to.
var transitions = map[Status][]Status{
	StatusTrial:     {StatusActive, StatusCancelled, StatusExpired},
	StatusPending:   {StatusActive, StatusCancelled},
	StatusActive:    {StatusSuspended, StatusCancelled, StatusExpired},
	StatusSuspended: {StatusActive, StatusCancelled},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status allowed to move to target. It is used as
// the guard of conditional updates.
func SourcesOf(target Status) []Status {
	var sources []Status
	for _, from := range LiveStatuses {
		if CanTransition(from, target) {
			sources = append(sources, from)
		}
	}
	return sources
}
