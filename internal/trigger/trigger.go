// Package trigger decides which projects a commit notification concerns.
//
// A notification carries a repository URL. Every configured project whose
// repository loosely matches it, has polling enabled, and has at least one
// pending candidate gets a cycle scheduled.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/roach88/pretest/internal/ir"
)

// Diagnostic messages reported when no project was triggered.
const (
	MsgNoProjects   = "No pretest projects found"
	MsgNoRepository = "No projects using repository: "
	MsgNoPolling    = "Projects found but they aren't configured for polling"
	MsgNoPending    = "No pending commits"
)

// Scheduler queues an integration cycle for a project.
type Scheduler interface {
	Schedule(project, reason string) bool
}

// PendingChecker counts candidates waiting for a project.
type PendingChecker interface {
	Pending(ctx context.Context, project string) (int, error)
}

// Report is the result of one notification.
type Report struct {
	URL       string
	Triggered []string
	Messages  []string
}

// String renders the report as plain text, one line per entry.
func (r Report) String() string {
	var b strings.Builder
	for _, name := range r.Triggered {
		fmt.Fprintf(&b, "Scheduled polling of %s\n", name)
	}
	for _, msg := range r.Messages {
		b.WriteString(msg)
		b.WriteByte('\n')
	}
	return b.String()
}

// Filter matches notifications against a fixed project list.
type Filter struct {
	projects  []ir.Project
	supported func(backend string) bool
	scheduler Scheduler
	pending   PendingChecker
	logger    *slog.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the filter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Filter) {
		f.logger = logger
	}
}

// WithSupported overrides the backend support check. The default accepts
// every project.
func WithSupported(supported func(backend string) bool) Option {
	return func(f *Filter) {
		f.supported = supported
	}
}

// NewFilter creates a filter over projects.
func NewFilter(projects []ir.Project, scheduler Scheduler, pending PendingChecker, opts ...Option) *Filter {
	f := &Filter{
		projects:  projects,
		supported: func(string) bool { return true },
		scheduler: scheduler,
		pending:   pending,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Notify schedules every project concerned by a change at rawURL.
// It fails only when rawURL cannot be parsed.
func (f *Filter) Notify(ctx context.Context, rawURL string) (Report, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		if err == nil {
			err = errors.New("missing scheme or host")
		}
		return Report{}, fmt.Errorf("notify: invalid url %q: %w", rawURL, err)
	}

	report := Report{URL: rawURL}
	var scmFound, urlFound, triggerFound bool

	for _, p := range f.projects {
		if !f.supported(p.Backend) {
			continue
		}
		scmFound = true

		if !LooselyMatches(u, p.Repository) {
			continue
		}
		urlFound = true

		if !p.Poll {
			continue
		}
		triggerFound = true

		n, err := f.pending.Pending(ctx, p.Name)
		if err != nil {
			f.logger.Warn("notify: pending check failed", "project", p.Name, "error", err)
			report.Messages = append(report.Messages, fmt.Sprintf("%s: %v", p.Name, err))
			continue
		}
		if n == 0 {
			f.logger.Debug("notify: nothing pending", "project", p.Name)
			continue
		}
		if f.scheduler.Schedule(p.Name, "notify "+rawURL) {
			report.Triggered = append(report.Triggered, p.Name)
		} else {
			report.Messages = append(report.Messages, p.Name+": already scheduled")
		}
	}

	switch {
	case !scmFound:
		report.Messages = append(report.Messages, MsgNoProjects)
	case !urlFound:
		report.Messages = append(report.Messages, MsgNoRepository+rawURL)
	case !triggerFound:
		report.Messages = append(report.Messages, MsgNoPolling)
	case len(report.Triggered) == 0 && len(report.Messages) == 0:
		report.Messages = append(report.Messages, MsgNoPending)
	}

	f.logger.Info("notify handled", "url", rawURL, "triggered", len(report.Triggered))
	return report, nil
}

// LooselyMatches reports whether repository names the same location as
// notify. Scheme, host, port, path, and query must match; a missing port
// takes the scheme's default. An unparseable repository never matches.
func LooselyMatches(notify *url.URL, repository string) bool {
	repo, err := url.Parse(strings.TrimSpace(repository))
	if err != nil || notify == nil {
		return false
	}
	return strings.EqualFold(notify.Scheme, repo.Scheme) &&
		strings.EqualFold(notify.Hostname(), repo.Hostname()) &&
		port(notify) == port(repo) &&
		notify.Path == repo.Path &&
		notify.RawQuery == repo.RawQuery
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	case "ssh":
		return "22"
	}
	return ""
}
