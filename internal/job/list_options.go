package job

import (
	"time"
)

// SortOrder defines how results should be ordered when listing jobs.
type SortOrder int

const (
	// SortByCreatedDesc orders jobs by CreatedAt descending (most recent first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders jobs by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how jobs are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Type       string
	Owner      string
	BatchID    string
	CreatedGTE int64
	CreatedLTE int64
	Order      SortOrder
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

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of jobs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching jobs before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters jobs by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithType filters jobs by their registered type.
func WithType(jobType string) ListOption {
	return func(opts *ListOptions) {
		opts.Type = jobType
	}
}

// WithOwner filters jobs by the plugin that enqueued them.
func WithOwner(owner string) ListOption {
	return func(opts *ListOptions) {
		opts.Owner = owner
	}
}

// WithBatch filters jobs belonging to the given batch.
func WithBatch(batchID string) ListOption {
	return func(opts *ListOptions) {
		opts.BatchID = batchID
	}
}

// WithCreatedSince filters jobs created after the provided instant (inclusive).
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedGTE = 0
			return
		}
		opts.CreatedGTE = ts.Unix()
	}
}

// WithCreatedUntil filters jobs created before the provided instant (inclusive).
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedLTE = 0
			return
		}
		opts.CreatedLTE = ts.Unix()
	}
}

// WithSortOrder changes the returned order of jobs.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
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
