package store

import (
	"context"
	"fmt"

	"github.com/roach88/pretest/internal/ir"
)

// RecordCycle appends rec to the cycle history and returns it with the
// assigned Seq and Digest. Uses ON CONFLICT(id) DO NOTHING: recording the
// same cycle id twice returns the originally stored record.
func (s *Store) RecordCycle(ctx context.Context, rec ir.CycleRecord) (ir.CycleRecord, error) {
	if rec.ID == "" {
		return ir.CycleRecord{}, fmt.Errorf("record cycle: empty id")
	}
	details, digest, err := ir.CycleDigest(rec)
	if err != nil {
		return ir.CycleRecord{}, fmt.Errorf("record cycle %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cycles
		(id, project, outcome, candidate, branch, author, base, revision, reason, details, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Project,
		string(rec.Outcome),
		rec.Candidate,
		rec.Branch,
		rec.Author,
		rec.Base,
		rec.Revision,
		rec.Reason,
		string(details),
		digest,
	)
	if err != nil {
		return ir.CycleRecord{}, fmt.Errorf("record cycle %s: %w", rec.ID, err)
	}

	stored, err := s.scanCycles(ctx, `WHERE id = ?`, rec.ID)
	if err != nil {
		return ir.CycleRecord{}, err
	}
	if len(stored) != 1 {
		return ir.CycleRecord{}, fmt.Errorf("record cycle %s: %w", rec.ID, ErrNotFound)
	}
	return stored[0], nil
}

// ListCycles returns up to limit cycles of project, newest first.
// An empty project lists every project; limit <= 0 means no limit.
func (s *Store) ListCycles(ctx context.Context, project string, limit int) ([]ir.CycleRecord, error) {
	where := ""
	var args []any
	if project != "" {
		where = `WHERE project = ?`
		args = append(args, project)
	}
	where += ` ORDER BY seq DESC`
	if limit > 0 {
		where += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.scanCycles(ctx, where, args...)
}

func (s *Store) scanCycles(ctx context.Context, tail string, args ...any) ([]ir.CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, project, outcome, candidate, branch, author, base, revision, reason, digest
		FROM cycles `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []ir.CycleRecord
	for rows.Next() {
		var (
			rec     ir.CycleRecord
			outcome string
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Project, &outcome, &rec.Candidate,
			&rec.Branch, &rec.Author, &rec.Base, &rec.Revision, &rec.Reason, &rec.Digest); err != nil {
			return nil, fmt.Errorf("list cycles: %w", err)
		}
		rec.Outcome = ir.OutcomeKind(outcome)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	return out, nil
}

// VerifyCycle recomputes the digest of a stored cycle and compares it.
func (s *Store) VerifyCycle(ctx context.Context, id string) error {
	var details, digest string
	err := s.db.QueryRowContext(ctx, `SELECT details, digest FROM cycles WHERE id = ?`, id).Scan(&details, &digest)
	if err != nil {
		return fmt.Errorf("verify cycle %s: %w", id, err)
	}
	recs, err := s.scanCycles(ctx, `WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if len(recs) != 1 {
		return fmt.Errorf("verify cycle %s: %w", id, ErrNotFound)
	}
	canonical, want, err := ir.CycleDigest(recs[0])
	if err != nil {
		return fmt.Errorf("verify cycle %s: %w", id, err)
	}
	if string(canonical) != details || want != digest {
		return fmt.Errorf("verify cycle %s: digest mismatch", id)
	}
	return nil
}
