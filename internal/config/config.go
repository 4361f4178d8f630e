// Package config loads project definitions from CUE files.
//
// A configuration directory holds one CUE package declaring projects under
// the "project" struct:
//
//	project: shop: {
//		repository:  "https://hg.example.com/shop"
//		workspace:   "/var/lib/pretest/shop"
//		staging:     "ready/.*"
//		build: command: "make test"
//	}
//
// Omitted fields take their defaults: backend "hg", integration "default"
// ("master" for git), merge_tool "internal:merge", push and poll true.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/vcs"
)

// Defaults applied to omitted fields.
const (
	DefaultBackend   = vcs.KindMercurial
	DefaultMergeTool = "internal:merge"
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Result holds the projects loaded from a directory.
type Result struct {
	Projects  []ir.Project
	FileCount int
}

// Project returns the project named name.
func (r *Result) Project(name string) (ir.Project, bool) {
	for _, p := range r.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return ir.Project{}, false
}

var knownFields = map[string]bool{
	"repository":  true,
	"backend":     true,
	"workspace":   true,
	"integration": true,
	"staging":     true,
	"remote":      true,
	"merge_tool":  true,
	"push":        true,
	"poll":        true,
	"use_author":  true,
	"build":       true,
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Load reads every CUE file in dir and compiles the declared projects.
// In LoadModeFailFast it returns on the first error; otherwise it returns
// every valid project together with all errors found.
func Load(dir string, mode LoadMode) (*Result, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("config directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing config directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&Error{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&Error{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&Error{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{fromCUE(ErrCodeLoadFailed, inst.Err)}
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Validate(); err != nil {
		return nil, []error{fromCUE(ErrCodeBuildFailed, err)}
	}

	projects, errs := Compile(value, mode)
	return &Result{Projects: projects, FileCount: len(files)}, errs
}

// Compile extracts the projects declared in v, sorted by name.
func Compile(v cue.Value, mode LoadMode) ([]ir.Project, []error) {
	var (
		projects []ir.Project
		errs     []error
	)

	root := v.LookupPath(cue.ParsePath("project"))
	if !root.Exists() {
		return nil, []error{&Error{Code: ErrCodeNoProjects, Message: "no project declared"}}
	}
	iter, err := root.Fields()
	if err != nil {
		return nil, []error{fromCUE(ErrCodeInvalidType, err)}
	}
	for iter.Next() {
		p, perrs := CompileProject(iter.Label(), iter.Value())
		if len(perrs) > 0 {
			if mode == LoadModeFailFast {
				return projects, perrs[:1]
			}
			errs = append(errs, perrs...)
			continue
		}
		projects = append(projects, p)
	}

	if len(projects) == 0 && len(errs) == 0 {
		errs = append(errs, &Error{Code: ErrCodeNoProjects, Message: "no project declared"})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, errs
}

// CompileProject converts one project struct, reporting every problem.
func CompileProject(name string, v cue.Value) (ir.Project, []error) {
	c := &compiler{name: name, v: v}
	p := c.compile()
	return p, c.errs
}

type compiler struct {
	name string
	v    cue.Value
	errs []error
}

func (c *compiler) fail(code, field, msg string, v cue.Value) {
	c.errs = append(c.errs, &Error{
		Code:    code,
		Project: c.name,
		Field:   field,
		Message: msg,
		Pos:     v.Pos(),
	})
}

func (c *compiler) compile() ir.Project {
	p := ir.Project{Name: c.name}

	if err := c.v.Err(); err != nil {
		e := fromCUE(ErrCodeInvalidType, err)
		e.Project = c.name
		c.errs = append(c.errs, e)
		return p
	}
	if !validName.MatchString(c.name) {
		c.fail(ErrCodeInvalidName, "", fmt.Sprintf("invalid project name %q", c.name), c.v)
	}

	iter, err := c.v.Fields()
	if err != nil {
		c.fail(ErrCodeInvalidType, "", "project must be a struct", c.v)
		return p
	}
	for iter.Next() {
		if !knownFields[iter.Label()] {
			c.fail(ErrCodeUnknownField, iter.Label(), "unknown field", iter.Value())
		}
	}

	p.Repository = c.str("repository", "")
	if p.Repository == "" {
		c.fail(ErrCodeMissingRepository, "repository", "repository is required", c.v)
	}

	kind := DefaultBackend
	if raw := c.str("backend", ""); raw != "" {
		k, err := vcs.ParseKind(raw)
		if err != nil {
			c.fail(ErrCodeInvalidBackend, "backend", err.Error(), c.field("backend"))
		} else {
			kind = k
		}
	}
	p.Backend = string(kind)

	p.Workspace = c.str("workspace", "")
	if p.Workspace == "" {
		c.fail(ErrCodeMissingWorkspace, "workspace", "workspace is required", c.v)
	}

	p.IntegrationBranch = c.str("integration", kind.DefaultBranch())
	p.StagingPattern = c.str("staging", "")
	if p.StagingPattern == "" {
		c.fail(ErrCodeInvalidPattern, "staging", "staging branch pattern is required", c.v)
	} else if _, err := regexp.Compile(p.StagingPattern); err != nil {
		c.fail(ErrCodeInvalidPattern, "staging", err.Error(), c.field("staging"))
	}

	p.Remote = c.str("remote", "")
	p.MergeTool = c.str("merge_tool", DefaultMergeTool)
	p.Push = c.boolean("push", true)
	p.Poll = c.boolean("poll", true)
	p.UseAuthor = c.boolean("use_author", false)

	p.BuildCommand = c.str("build.command", "")
	if p.BuildCommand == "" {
		c.fail(ErrCodeMissingBuild, "build.command", "build command is required", c.v)
	}
	if raw := c.str("build.timeout", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		switch {
		case err != nil:
			c.fail(ErrCodeInvalidTimeout, "build.timeout", err.Error(), c.field("build.timeout"))
		case d <= 0:
			c.fail(ErrCodeInvalidTimeout, "build.timeout", "timeout must be positive", c.field("build.timeout"))
		default:
			p.BuildTimeout = d
		}
	}
	return p
}

func (c *compiler) field(path string) cue.Value {
	return c.v.LookupPath(cue.ParsePath(path))
}

func (c *compiler) str(path, def string) string {
	f := c.field(path)
	if !f.Exists() {
		return def
	}
	s, err := f.String()
	if err != nil {
		c.fail(ErrCodeInvalidType, path, "must be a string", f)
		return def
	}
	return s
}

func (c *compiler) boolean(path string, def bool) bool {
	f := c.field(path)
	if !f.Exists() {
		return def
	}
	b, err := f.Bool()
	if err != nil {
		c.fail(ErrCodeInvalidType, path, "must be a bool", f)
		return def
	}
	return b
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
