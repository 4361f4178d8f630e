package ir

import (
	"fmt"
	"slices"
	"time"
)

// Commit is one changeset read from a version-control log.
// Identity is ID; Branch and Message may be empty when the log omits them.
type Commit struct {
	ID        string `json:"id"`
	Branch    string `json:"branch,omitempty"`
	Author    string `json:"author,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Short returns the first 12 characters of the commit id.
func (c Commit) Short() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// Rejection records a candidate that could not be merged.
type Rejection struct {
	Revision string `json:"revision"`
	Branch   string `json:"branch,omitempty"`
	Reason   string `json:"reason"`
}

// IntegrationState is the durable per-project integration pointer.
//
// LastIntegratedRevision moves only after a merge was committed and pushed.
// ResetRequested is consumed by the next selection. UpdatedSeq counts
// writes to the row and is the state's logical timestamp.
type IntegrationState struct {
	Project                string      `json:"project"`
	LastIntegratedRevision string      `json:"last_integrated_revision,omitempty"`
	StagingBranchPattern   string      `json:"staging_branch_pattern"`
	IntegrationBranch      string      `json:"integration_branch"`
	ResetRequested         bool        `json:"reset_requested"`
	Rejected               []Rejection `json:"rejected,omitempty"`
	UpdatedSeq             int64       `json:"updated_seq"`
}

// IsRejected reports whether revision is recorded as a conflicting candidate.
func (s IntegrationState) IsRejected(revision string) bool {
	return slices.ContainsFunc(s.Rejected, func(r Rejection) bool {
		return r.Revision == revision
	})
}

// Project is the configuration of one integration target.
type Project struct {
	Name              string        `json:"name"`
	Repository        string        `json:"repository"`
	Backend           string        `json:"backend"`
	Workspace         string        `json:"workspace"`
	IntegrationBranch string        `json:"integration_branch"`
	StagingPattern    string        `json:"staging_pattern"`
	Remote            string        `json:"remote,omitempty"`
	MergeTool         string        `json:"merge_tool,omitempty"`
	Push              bool          `json:"push"`
	Poll              bool          `json:"poll"`
	UseAuthor         bool          `json:"use_author"`
	BuildCommand      string        `json:"build_command,omitempty"`
	BuildTimeout      time.Duration `json:"build_timeout,omitempty"`
}

// BuildResult is the typed verdict of a build executor.
type BuildResult int

const (
	BuildSuccess BuildResult = iota + 1
	BuildFailure
	BuildAborted
)

func (r BuildResult) String() string {
	switch r {
	case BuildSuccess:
		return "success"
	case BuildFailure:
		return "failure"
	case BuildAborted:
		return "aborted"
	default:
		return fmt.Sprintf("BuildResult(%d)", int(r))
	}
}

// ParseBuildResult converts "success", "failure" or "aborted".
func ParseBuildResult(s string) (BuildResult, error) {
	switch s {
	case "success", "ok", "pass":
		return BuildSuccess, nil
	case "failure", "fail", "unstable":
		return BuildFailure, nil
	case "aborted", "abort":
		return BuildAborted, nil
	}
	return 0, fmt.Errorf("unknown build result %q", s)
}

// OutcomeKind classifies how an integration cycle ended.
type OutcomeKind string

const (
	OutcomeIntegrated       OutcomeKind = "integrated"
	OutcomeRejectedConflict OutcomeKind = "rejected_conflict"
	OutcomeRejectedBuild    OutcomeKind = "rejected_build"
	OutcomeNoOp             OutcomeKind = "noop"
	OutcomeFatal            OutcomeKind = "fatal"
)

// CycleRecord is the persisted summary of one integration cycle.
type CycleRecord struct {
	Seq       int64       `json:"seq,omitempty"`
	ID        string      `json:"id"`
	Project   string      `json:"project"`
	Outcome   OutcomeKind `json:"outcome"`
	Candidate string      `json:"candidate,omitempty"`
	Branch    string      `json:"branch,omitempty"`
	Author    string      `json:"author,omitempty"`
	Base      string      `json:"base,omitempty"`
	Revision  string      `json:"revision,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Digest    string      `json:"digest,omitempty"`
}

// Details returns the record's content as a canonical-JSON-ready map.
// Seq and Digest are excluded: they are assigned by the store.
func (r CycleRecord) Details() map[string]any {
	m := map[string]any{
		"id":      r.ID,
		"project": r.Project,
		"outcome": string(r.Outcome),
	}
	for k, v := range map[string]string{
		"candidate": r.Candidate,
		"branch":    r.Branch,
		"author":    r.Author,
		"base":      r.Base,
		"revision":  r.Revision,
		"reason":    r.Reason,
	} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}
