// Package filter decides which mailbox folders participate in a job. The
// decision depends only on a folder's own name and flags, so listing and
// backing up agree on what is in scope.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Rules captures a job's folder selection configuration.
type Rules struct {
	// Folders is an exact-match allow-list. Empty means everything not
	// otherwise excluded.
	Folders []string
	// IgnoreFolderNames are regular expressions anchored against the full
	// folder path.
	IgnoreFolderNames []string
	// IgnoreFolderFlags excludes folders carrying any of these flags,
	// e.g. \Noselect or \Trash. The leading backslash is optional.
	IgnoreFolderFlags []string
}

// Filter holds the compiled rule set.
type Filter struct {
	allow       map[string]bool
	ignoreNames []*regexp.Regexp
	ignoreFlags map[string]bool
}

// New compiles the rule set. Invalid patterns are configuration errors and
// surface before any network activity.
func New(r Rules) (*Filter, error) {
	f := &Filter{ignoreFlags: make(map[string]bool)}
	for _, pattern := range r.IgnoreFolderNames {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("ignore_folder_names pattern %q: %w", pattern, err)
		}
		f.ignoreNames = append(f.ignoreNames, re)
	}
	for _, flag := range r.IgnoreFolderFlags {
		f.ignoreFlags[normalizeFlag(flag)] = true
	}
	if len(r.Folders) > 0 {
		f.allow = make(map[string]bool, len(r.Folders))
		for _, name := range r.Folders {
			f.allow[name] = true
		}
	}
	return f, nil
}

// Include reports whether the folder participates. Exclusion rules run
// before the allow-list: a flagged or name-matched folder stays out even if
// listed explicitly.
func (f *Filter) Include(path string, flags []string) bool {
	for _, flag := range flags {
		if f.ignoreFlags[normalizeFlag(flag)] {
			return false
		}
	}
	for _, re := range f.ignoreNames {
		if re.MatchString(path) {
			return false
		}
	}
	if f.allow != nil {
		return f.allow[path]
	}
	return true
}

func normalizeFlag(flag string) string {
	return strings.ToLower(strings.TrimPrefix(flag, `\`))
}
