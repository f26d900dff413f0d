// Package config loads the YAML job file: a mapping from mailbox label to
// connection parameters and per-mailbox behavior flags. Jobs are validated
// up front so configuration mistakes surface before any network activity.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/yourname/imapvault/internal/filter"
)

// Roles used by copy jobs.
const (
	RoleSource      = "source"
	RoleDestination = "destination"
)

// Mailbox is one job entry. The engines treat it as an immutable value for
// the duration of a run.
type Mailbox struct {
	Name string `yaml:"-"`

	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	TLS              bool `yaml:"tls"`
	StartTLS         bool `yaml:"starttls"`
	TLSCheckHostname bool `yaml:"tls_check_hostname"`
	TLSVerifyCert    bool `yaml:"tls_verify_cert"`

	Folders           []string `yaml:"folders"`
	IgnoreFolderFlags []string `yaml:"ignore_folder_flags"`
	IgnoreFolderNames []string `yaml:"ignore_folder_names"`

	ExchangeJournal   bool `yaml:"exchange_journal"`
	DeleteAfterExport bool `yaml:"delete_after_export"`
	WithDB            bool `yaml:"with_db"`
	Incremental       bool `yaml:"incremental"`

	// Copy mode.
	Role          string `yaml:"role"`
	MoveToArchive bool   `yaml:"move_to_archive"`
	ArchiveFolder string `yaml:"archive_folder"`
	WatchFolder   string `yaml:"watch_folder"`
}

func defaultMailbox() Mailbox {
	return Mailbox{
		Port:             993,
		TLS:              true,
		TLSCheckHostname: true,
		TLSVerifyCert:    true,
		WatchFolder:      "INBOX",
	}
}

// Load reads and validates a job file, returning the jobs sorted by label.
func Load(path string) ([]*Mailbox, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	return Parse(data)
}

// Parse decodes job file bytes. Split out from Load for tests.
func Parse(data []byte) ([]*Mailbox, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	jobs := make([]*Mailbox, 0, len(names))
	for _, name := range names {
		node := doc[name]
		mb := defaultMailbox()
		if err := node.Decode(&mb); err != nil {
			return nil, fmt.Errorf("job %q: %w", name, err)
		}
		mb.Name = name
		if err := mb.Validate(); err != nil {
			return nil, fmt.Errorf("job %q: %w", name, err)
		}
		jobs = append(jobs, &mb)
	}
	return jobs, nil
}

// Validate checks a single job entry.
func (m *Mailbox) Validate() error {
	if m.Server == "" {
		return fmt.Errorf("server is required")
	}
	if m.Username == "" {
		return fmt.Errorf("username is required")
	}
	if m.Incremental && !m.WithDB {
		return fmt.Errorf("incremental requires with_db")
	}
	if m.MoveToArchive && m.ArchiveFolder == "" {
		return fmt.Errorf("move_to_archive requires archive_folder")
	}
	switch m.Role {
	case "", RoleSource, RoleDestination:
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	// Compiling the rules surfaces bad regexps before any dialing.
	if _, err := filter.New(m.Rules()); err != nil {
		return err
	}
	return nil
}

// Rules returns the folder filter configuration of this job.
func (m *Mailbox) Rules() filter.Rules {
	return filter.Rules{
		Folders:           m.Folders,
		IgnoreFolderNames: m.IgnoreFolderNames,
		IgnoreFolderFlags: m.IgnoreFolderFlags,
	}
}

// Addr returns the dial address.
func (m *Mailbox) Addr() string {
	return fmt.Sprintf("%s:%d", m.Server, m.Port)
}

// BackupJobs returns the jobs without a copy role.
func BackupJobs(jobs []*Mailbox) []*Mailbox {
	var out []*Mailbox
	for _, j := range jobs {
		if j.Role == "" {
			out = append(out, j)
		}
	}
	return out
}

// CopyPair returns the source and destination of a copy job file, requiring
// exactly one of each role.
func CopyPair(jobs []*Mailbox) (src, dst *Mailbox, err error) {
	for _, j := range jobs {
		switch j.Role {
		case RoleSource:
			if src != nil {
				return nil, nil, fmt.Errorf("multiple jobs with role %q", RoleSource)
			}
			src = j
		case RoleDestination:
			if dst != nil {
				return nil, nil, fmt.Errorf("multiple jobs with role %q", RoleDestination)
			}
			dst = j
		}
	}
	if src == nil || dst == nil {
		return nil, nil, fmt.Errorf("copy needs one %q and one %q job", RoleSource, RoleDestination)
	}
	return src, dst, nil
}
