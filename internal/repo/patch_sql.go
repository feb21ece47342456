package repo

import (
	"database/sql"
	"strings"
	"time"

	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
)

// recipientUpdateSQL renders a RecipientPatch as a single conditional
// UPDATE addressed by (job_id, idx). bind returns the placeholder for the
// n-th argument (1-based) so the same builder serves ? and $n dialects.
func recipientUpdateSQL(p model.RecipientPatch, now any, jobID string, index int, bind func(n int) string) (string, []any) {
	var (
		args []any
		sets []string
	)
	arg := func(v any) string {
		args = append(args, v)
		return bind(len(args))
	}

	if p.Status != nil {
		sets = append(sets, "status = "+arg(string(*p.Status)))
	}
	if p.Attempts != nil {
		sets = append(sets, "attempts = "+arg(*p.Attempts))
	}
	if p.ProviderMessageID != nil {
		sets = append(sets, "provider_message_id = "+arg(*p.ProviderMessageID))
	}
	if p.LastError != nil {
		sets = append(sets, "last_error = "+arg(*p.LastError))
	}
	sets = append(sets, "updated_at = "+arg(now))

	var b strings.Builder
	b.WriteString("UPDATE recipients SET ")
	b.WriteString(strings.Join(sets, ", "))
	b.WriteString(" WHERE job_id = " + arg(jobID))
	b.WriteString(" AND idx = " + arg(index))

	if len(p.ExpectStatus) > 0 {
		marks := make([]string, 0, len(p.ExpectStatus))
		for _, s := range p.ExpectStatus {
			marks = append(marks, arg(string(s)))
		}
		b.WriteString(" AND status IN (" + strings.Join(marks, ", ") + ")")
	}
	return b.String(), args
}

// jobStatusSQL renders the guarded job status update.
func jobStatusSQL(status model.JobStatus, reason string, now any, jobID string, bind func(n int) string) (string, []any) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return bind(len(args))
	}

	var b strings.Builder
	b.WriteString("UPDATE jobs SET status = " + arg(string(status)))
	if reason != "" {
		b.WriteString(", error = " + arg(reason))
	}
	b.WriteString(", updated_at = " + arg(now))
	b.WriteString(" WHERE id = " + arg(jobID))

	from := allowedFrom(status)
	marks := make([]string, 0, len(from))
	for _, f := range from {
		marks = append(marks, arg(f))
	}
	if len(marks) == 0 {
		b.WriteString(" AND 1 = 0")
	} else {
		b.WriteString(" AND status IN (" + strings.Join(marks, ", ") + ")")
	}
	return b.String(), args
}

// summaryQuery pages jobs newest first and joins per-status recipient counts.
func summaryQuery(limit, offset string) string {
	return `
		SELECT j.id, j.status, j.total, j.error, j.created_at, j.updated_at, r.status, COUNT(r.idx)
		FROM jobs j
		LEFT JOIN recipients r ON r.job_id = j.id
		WHERE j.id IN (SELECT id FROM jobs ORDER BY created_at DESC LIMIT ` + limit + ` OFFSET ` + offset + `)
		GROUP BY j.id, j.status, j.total, j.error, j.created_at, j.updated_at, r.status
		ORDER BY j.created_at DESC`
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSummaries[T any](rows rowScanner, toTime func(T) time.Time) ([]model.JobSummary, error) {
	out := []model.JobSummary{}
	pos := map[string]int{}

	for rows.Next() {
		var (
			s                model.JobSummary
			status           string
			created, updated T
			rStatus          sql.NullString
			count            int
		)
		if err := rows.Scan(&s.ID, &status, &s.Total, &s.Error, &created, &updated, &rStatus, &count); err != nil {
			return nil, err
		}

		i, ok := pos[s.ID]
		if !ok {
			s.Status = model.JobStatus(status)
			s.CreatedAt = toTime(created)
			s.UpdatedAt = toTime(updated)
			out = append(out, s)
			i = len(out) - 1
			pos[s.ID] = i
		}
		if rStatus.Valid {
			for range count {
				out[i].Counts.Add(model.RecipientStatus(rStatus.String))
			}
		}
	}
	return out, rows.Err()
}

var finishedStatuses = []string{
	string(model.JobCompleted),
	string(model.JobCompletedWithErrors),
	string(model.JobFailed),
}

// allowedFrom lists the job statuses that may advance to next.
func allowedFrom(next model.JobStatus) []string {
	var out []string
	for _, s := range []model.JobStatus{
		model.JobQueued, model.JobRunning, model.JobCompleted,
		model.JobCompletedWithErrors, model.JobFailed,
	} {
		if s.CanAdvance(next) {
			out = append(out, string(s))
		}
	}
	return out
}

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }
