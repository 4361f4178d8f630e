// Package commitlog parses version-control log output into commits.
//
// The accepted format is the Mercurial default log layout, one "field: value"
// pair per line:
//
//	changeset:   3:9f2c1a7be0d4
//	branch:      alice
//	user:        Alice <alice@example.com>
//	date:        2024-03-01 10:12 +0100
//	summary:     add login form
//
// Records are separated by blank lines or by the next changeset line. The
// git and hg backends both render their log through templates that produce
// this layout, so one parser serves both.
package commitlog

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/pretest/internal/ir"
)

// Field prefixes recognized by the parser.
const (
	FieldChangeset = "changeset:"
	FieldBranch    = "branch:"
	FieldUser      = "user:"
	FieldDate      = "date:"
	FieldSummary   = "summary:"
)

// Options controls parsing.
type Options struct {
	// Strict rejects lines that are not a recognized field.
	Strict bool

	// DefaultBranch is used when a record has no branch line.
	DefaultBranch string
}

// MalformedLogError reports an unrecognized line in strict mode.
type MalformedLogError struct {
	Line int // 1-based
	Text string
}

func (e *MalformedLogError) Error() string {
	return fmt.Sprintf("malformed log line %d: %q", e.Line, e.Text)
}

// Parse reads the first record in text.
// It returns nil, nil when text contains no recognized fields.
func Parse(text string, opts Options) (*ir.Commit, error) {
	commits, err := ParseAll(text, opts)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, nil
	}
	return &commits[0], nil
}

// ParseAll reads every record in text, in input order.
// Records without a changeset id are dropped in lenient mode and rejected in
// strict mode.
func ParseAll(text string, opts Options) ([]ir.Commit, error) {
	var (
		commits []ir.Commit
		cur     record
	)

	flush := func(line int) error {
		if !cur.seen {
			return nil
		}
		defer func() { cur = record{} }()
		if cur.commit.ID == "" {
			if opts.Strict {
				return &MalformedLogError{Line: line, Text: "record without changeset"}
			}
			return nil
		}
		if cur.commit.Branch == "" {
			cur.commit.Branch = opts.DefaultBranch
		}
		commits = append(commits, cur.commit)
		return nil
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, raw := range lines {
		lineNo := i + 1
		if strings.TrimSpace(raw) == "" {
			if err := flush(lineNo); err != nil {
				return nil, err
			}
			continue
		}

		word, rest := splitFirstWord(raw)
		switch word {
		case FieldChangeset:
			if cur.commit.ID != "" {
				if err := flush(lineNo); err != nil {
					return nil, err
				}
			}
			cur.commit.ID = changesetID(rest)
		case FieldBranch:
			cur.commit.Branch = rest
		case FieldUser:
			cur.commit.Author = norm.NFC.String(rest)
		case FieldDate:
			cur.commit.Timestamp = rest
		case FieldSummary:
			cur.commit.Message = norm.NFC.String(rest)
		default:
			if opts.Strict {
				return nil, &MalformedLogError{Line: lineNo, Text: raw}
			}
			continue
		}
		cur.seen = true
	}

	if err := flush(len(lines)); err != nil {
		return nil, err
	}
	return commits, nil
}

type record struct {
	commit ir.Commit
	seen   bool
}

// splitFirstWord splits a line into the text before the first whitespace
// and the trimmed remainder.
func splitFirstWord(line string) (string, string) {
	line = strings.TrimSpace(line)
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

// changesetID keeps the part after the colon of "rev:hash" values.
func changesetID(value string) string {
	if idx := strings.LastIndex(value, ":"); idx >= 0 {
		return value[idx+1:]
	}
	return value
}
