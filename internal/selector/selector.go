// Package selector chooses the next staging commit to integrate.
package selector

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/vcs"
)

// Selection is the result of one candidate search.
type Selection struct {
	// Base is the revision whose ancestors were excluded.
	Base string

	// Candidate is the oldest eligible commit, or nil when nothing is pending.
	Candidate *ir.Commit

	// ResetConsumed is set when the base was taken from the integration
	// branch head because a reset was requested. The caller clears the
	// persisted flag.
	ResetConsumed bool
}

// Candidates lists every eligible candidate in integration order.
//
// The remote is pulled first. The base is the last integrated revision, or
// the integration branch head when none is recorded or a reset is
// requested. Rejected revisions are skipped. state is never modified.
func Candidates(ctx context.Context, backend vcs.Backend, state ir.IntegrationState) (string, []ir.Commit, error) {
	if err := backend.Pull(ctx); err != nil {
		return "", nil, fmt.Errorf("pull: %w", err)
	}

	base, err := resolveBase(ctx, backend, state)
	if err != nil {
		return "", nil, err
	}

	commits, err := backend.Log(ctx, vcs.LogQuery{Base: base, BranchPattern: state.StagingBranchPattern})
	if err != nil {
		return "", nil, fmt.Errorf("log: %w", err)
	}

	out := make([]ir.Commit, 0, len(commits))
	for i, c := range commits {
		// Some tools report the base itself when it sits on a staging branch.
		if i == 0 && base != "" && c.ID == base {
			continue
		}
		if state.IsRejected(c.ID) {
			continue
		}
		out = append(out, c)
	}
	return base, out, nil
}

// Pending counts the eligible candidates.
func Pending(ctx context.Context, backend vcs.Backend, state ir.IntegrationState) (int, error) {
	_, pending, err := Candidates(ctx, backend, state)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Select returns the oldest eligible candidate.
func Select(ctx context.Context, backend vcs.Backend, state ir.IntegrationState) (Selection, error) {
	base, pending, err := Candidates(ctx, backend, state)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{
		Base:          base,
		ResetConsumed: state.ResetRequested,
	}
	if len(pending) > 0 {
		c := pending[0]
		sel.Candidate = &c
	}
	return sel, nil
}

func resolveBase(ctx context.Context, backend vcs.Backend, state ir.IntegrationState) (string, error) {
	if state.LastIntegratedRevision != "" && !state.ResetRequested {
		return state.LastIntegratedRevision, nil
	}
	head, err := backend.Head(ctx, state.IntegrationBranch)
	if errors.Is(err, vcs.ErrBranchNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve head of %s: %w", state.IntegrationBranch, err)
	}
	return head, nil
}
