// Package metrics computes dashboard read models over the staging store.
package metrics

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agentworkforce/planrelay/internal/staging"
)

type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

const (
	pageSize   = 500
	maxBuckets = 2000
)

func ParseGranularity(raw string) (Granularity, bool) {
	switch Granularity(strings.ToLower(strings.TrimSpace(raw))) {
	case "", GranularityDay:
		return GranularityDay, true
	case GranularityHour:
		return GranularityHour, true
	case GranularityWeek:
		return GranularityWeek, true
	case GranularityMonth:
		return GranularityMonth, true
	default:
		return "", false
	}
}

// Query selects submissions created in [Since, Until). A zero Since starts
// at the oldest submission; a zero Until ends now.
type Query struct {
	Since       time.Time
	Until       time.Time
	Granularity Granularity
}

type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

type Snapshot struct {
	Since             time.Time   `json:"since"`
	Until             time.Time   `json:"until"`
	Granularity       Granularity `json:"granularity"`
	Total             int         `json:"total"`
	Pending           int         `json:"pending"`
	Processing        int         `json:"processing"`
	Synced            int         `json:"synced"`
	Failed            int         `json:"failed"`
	Escalated         int         `json:"escalated"`
	SyncRate          int         `json:"syncRate"`
	AverageTimeToSync float64     `json:"averageTimeToSyncSeconds"`
	Buckets           []Bucket    `json:"buckets"`
}

type Aggregator struct {
	store staging.Store
	now   func() time.Time
}

func New(store staging.Store, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{store: store, now: now}
}

// SyncRate is round(synced/total*100), 0 when total is 0.
func SyncRate(synced, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(synced) / float64(total) * 100))
}

func (a *Aggregator) Compute(ctx context.Context, q Query) (Snapshot, error) {
	granularity, ok := ParseGranularity(string(q.Granularity))
	if !ok {
		return Snapshot{}, fmt.Errorf("unknown granularity %q: %w", q.Granularity, staging.ErrInvalidInput)
	}
	until := q.Until.UTC()
	if until.IsZero() {
		until = a.now().UTC()
	}
	since := q.Since.UTC()
	if !since.IsZero() && !since.Before(until) {
		return Snapshot{}, fmt.Errorf("since must be before until: %w", staging.ErrInvalidInput)
	}

	subs, err := a.load(ctx, since, until)
	if err != nil {
		return Snapshot{}, err
	}
	if since.IsZero() {
		since = until
		for _, sub := range subs {
			if sub.CreatedAt.Before(since) {
				since = sub.CreatedAt.UTC()
			}
		}
	}

	snap := Snapshot{Since: since, Until: until, Granularity: granularity, Total: len(subs)}
	var syncDurations time.Duration
	var timed int
	for _, sub := range subs {
		switch sub.Status {
		case staging.StatusPending:
			snap.Pending++
		case staging.StatusProcessing:
			snap.Processing++
		case staging.StatusSynced:
			snap.Synced++
			if sub.LastSyncedAt != nil && !sub.LastSyncedAt.Before(sub.CreatedAt) {
				syncDurations += sub.LastSyncedAt.Sub(sub.CreatedAt)
				timed++
			}
		case staging.StatusFailed:
			snap.Failed++
		}
		if sub.EscalatedAt != nil {
			snap.Escalated++
		}
	}
	snap.SyncRate = SyncRate(snap.Synced, snap.Total)
	if timed > 0 {
		snap.AverageTimeToSync = (syncDurations / time.Duration(timed)).Seconds()
	}

	buckets, err := bucketize(subs, since, until, granularity)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Buckets = buckets
	return snap, nil
}

func (a *Aggregator) load(ctx context.Context, since, until time.Time) ([]staging.Submission, error) {
	var out []staging.Submission
	filter := staging.SubmissionFilter{CreatedFrom: since, CreatedTo: until, Limit: pageSize}
	for {
		page, err := a.store.ListSubmissions(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list submissions: %w", err)
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
		filter.Offset += len(page)
	}
}

// BucketStart truncates t to the start of its bucket in UTC. Weeks start on
// Monday.
func BucketStart(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func nextBucket(start time.Time, g Granularity) time.Time {
	switch g {
	case GranularityHour:
		return start.Add(time.Hour)
	case GranularityWeek:
		return start.AddDate(0, 0, 7)
	case GranularityMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// bucketize returns contiguous buckets covering [since, until), zeros
// included.
func bucketize(subs []staging.Submission, since, until time.Time, g Granularity) ([]Bucket, error) {
	buckets := []Bucket{}
	if !since.Before(until) {
		return buckets, nil
	}
	index := map[time.Time]int{}
	for start := BucketStart(since, g); start.Before(until); start = nextBucket(start, g) {
		if len(buckets) >= maxBuckets {
			return nil, fmt.Errorf("window spans more than %d %s buckets: %w", maxBuckets, g, staging.ErrInvalidInput)
		}
		index[start] = len(buckets)
		buckets = append(buckets, Bucket{Start: start})
	}
	for _, sub := range subs {
		if i, ok := index[BucketStart(sub.CreatedAt, g)]; ok {
			buckets[i].Count++
		}
	}
	return buckets, nil
}
