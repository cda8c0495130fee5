package proposal

// SortOrder defines how results should be ordered when listing proposals.
type SortOrder int

const (
	// SortByCreatedDesc orders proposals by CreatedAt descending (most recent first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders proposals by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how proposals are selected when querying the store.
type ListOptions struct {
	Owner    string
	AgentID  string
	Statuses []Status
	Limit    int
	Offset   int
	Order    SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
}

// IsValidStatus reports whether the status is a known enum value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuting, StatusExecuted, StatusFailed:
		return true
	default:
		return false
	}
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
