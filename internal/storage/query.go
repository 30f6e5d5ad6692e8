package storage

import (
	sq "github.com/Masterminds/squirrel"
)

var jobColumns = []string{
	"id", "queue", "payload", "status", "attempts_made", "max_attempts", "backoff_ms",
	"delay_until", "last_error", "dedup_key", "lease_owner", "leased_at", "created_at", "updated_at",
}

const jobColumnList = "id, queue, payload, status, attempts_made, max_attempts, backoff_ms, " +
	"delay_until, last_error, dedup_key, lease_owner, leased_at, created_at, updated_at"

// listQuery builds the operator listing query for either placeholder style.
func listQuery(f Filter, ph sq.PlaceholderFormat) (string, []any, error) {
	q := sq.Select(jobColumns...).From("jobs").OrderBy("created_at DESC", "id").Limit(uint64(f.limit()))
	if f.Queue != "" {
		q = q.Where(sq.Eq{"queue": f.Queue})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	return q.PlaceholderFormat(ph).ToSql()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
