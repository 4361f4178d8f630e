package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/pretest/internal/ir"
)

var (
	// ErrNotFound is returned when a project has no stored state.
	ErrNotFound = errors.New("not found")

	// ErrStaleRevision is returned by AdvanceRevision when the stored
	// revision no longer matches the expected one.
	ErrStaleRevision = errors.New("stale last integrated revision")
)

// EnsureState creates the state row for project if it does not exist and
// refreshes its configured branch and pattern. The integration pointer,
// reset flag and rejections are preserved.
func (s *Store) EnsureState(ctx context.Context, project, integrationBranch, stagingPattern string) (ir.IntegrationState, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_state (project, staging_pattern, integration_branch)
		VALUES (?, ?, ?)
		ON CONFLICT(project) DO UPDATE SET
			staging_pattern = excluded.staging_pattern,
			integration_branch = excluded.integration_branch
		WHERE staging_pattern <> excluded.staging_pattern
		   OR integration_branch <> excluded.integration_branch
	`, project, stagingPattern, integrationBranch)
	if err != nil {
		return ir.IntegrationState{}, fmt.Errorf("ensure state %s: %w", project, err)
	}
	return s.LoadState(ctx, project)
}

// LoadState reads the state of project, including its rejections ordered
// by the time they were recorded.
func (s *Store) LoadState(ctx context.Context, project string) (ir.IntegrationState, error) {
	var (
		st    ir.IntegrationState
		reset int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT project, last_integrated_revision, staging_pattern,
		       integration_branch, reset_requested, updated_seq
		FROM integration_state
		WHERE project = ?
	`, project).Scan(&st.Project, &st.LastIntegratedRevision, &st.StagingBranchPattern,
		&st.IntegrationBranch, &reset, &st.UpdatedSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.IntegrationState{}, fmt.Errorf("load state %s: %w", project, ErrNotFound)
	}
	if err != nil {
		return ir.IntegrationState{}, fmt.Errorf("load state %s: %w", project, err)
	}
	st.ResetRequested = reset != 0

	st.Rejected, err = s.rejections(ctx, project)
	if err != nil {
		return ir.IntegrationState{}, err
	}
	return st, nil
}

// ListStates returns the state of every known project ordered by name.
func (s *Store) ListStates(ctx context.Context) ([]ir.IntegrationState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project FROM integration_state ORDER BY project COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list states: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list states: %w", err)
	}
	rows.Close()

	out := make([]ir.IntegrationState, 0, len(names))
	for _, name := range names {
		st, err := s.LoadState(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// RequestReset marks project so the next selection rebases on the head of
// the integration branch.
func (s *Store) RequestReset(ctx context.Context, project string) error {
	return s.updateState(ctx, "request reset", project, `
		UPDATE integration_state
		SET reset_requested = 1, updated_seq = updated_seq + 1
		WHERE project = ?
	`, project)
}

// ConsumeReset clears the reset flag of project.
func (s *Store) ConsumeReset(ctx context.Context, project string) error {
	return s.updateState(ctx, "consume reset", project, `
		UPDATE integration_state
		SET reset_requested = 0, updated_seq = updated_seq + 1
		WHERE project = ?
	`, project)
}

// AdvanceRevision moves the last integrated revision of project from
// expected to next and clears any reset still pending. If another writer moved
// the pointer first, ErrStaleRevision is returned and nothing changes.
func (s *Store) AdvanceRevision(ctx context.Context, project, expected, next string) error {
	if next == "" {
		return fmt.Errorf("advance revision %s: empty revision", project)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE integration_state
		SET last_integrated_revision = ?, reset_requested = 0, updated_seq = updated_seq + 1
		WHERE project = ? AND last_integrated_revision = ?
	`, next, project, expected)
	if err != nil {
		return fmt.Errorf("advance revision %s: %w", project, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance revision %s: %w", project, err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.LoadState(ctx, project); err != nil {
		return fmt.Errorf("advance revision: %w", err)
	}
	return fmt.Errorf("advance revision %s from %q: %w", project, expected, ErrStaleRevision)
}

// AddRejection records c as a conflicting candidate of project.
// Recording the same revision twice keeps the first entry.
func (s *Store) AddRejection(ctx context.Context, project string, c ir.Commit, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add rejection: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rejections (project, revision, branch, reason, seq)
		VALUES (?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM rejections WHERE project = ?))
		ON CONFLICT(project, revision) DO NOTHING
	`, project, c.ID, c.Branch, reason, project)
	if err != nil {
		return fmt.Errorf("add rejection %s@%s: %w", project, c.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE integration_state SET updated_seq = updated_seq + 1 WHERE project = ?
	`, project); err != nil {
		return fmt.Errorf("add rejection %s@%s: %w", project, c.ID, err)
	}
	return tx.Commit()
}

// ClearRejection removes the rejection of revision, or every rejection of
// project when revision is empty. It returns the number removed.
func (s *Store) ClearRejection(ctx context.Context, project, revision string) (int, error) {
	query := `DELETE FROM rejections WHERE project = ?`
	args := []any{project}
	if revision != "" {
		query += ` AND revision = ?`
		args = append(args, revision)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear rejection %s: %w", project, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear rejection %s: %w", project, err)
	}
	return int(n), nil
}

func (s *Store) rejections(ctx context.Context, project string) ([]ir.Rejection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision, branch, reason
		FROM rejections
		WHERE project = ?
		ORDER BY seq ASC, revision COLLATE BINARY ASC
	`, project)
	if err != nil {
		return nil, fmt.Errorf("load rejections %s: %w", project, err)
	}
	defer rows.Close()

	var out []ir.Rejection
	for rows.Next() {
		var r ir.Rejection
		if err := rows.Scan(&r.Revision, &r.Branch, &r.Reason); err != nil {
			return nil, fmt.Errorf("load rejections %s: %w", project, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load rejections %s: %w", project, err)
	}
	return out, nil
}

func (s *Store) updateState(ctx context.Context, op, project, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, project, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, project, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, project, ErrNotFound)
	}
	return nil
}
