package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/emersion/go-mbox"

	"github.com/yourname/imapvault/internal/cas"
	"github.com/yourname/imapvault/internal/classify"
	"github.com/yourname/imapvault/internal/config"
	"github.com/yourname/imapvault/internal/filter"
	"github.com/yourname/imapvault/internal/imaputil"
	"github.com/yourname/imapvault/internal/metadb"
	"github.com/yourname/imapvault/internal/mirror"
	"github.com/yourname/imapvault/internal/syncer"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

const dbFileName = "store.db"

type rootOptions struct {
	jobsPath    string
	archiveRoot string
	noTUI       bool
	verbose     bool
	concurrency int
}

func main() {
	o := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "imapvault",
		Short:         "Imapvault - deduplicating IMAP mailbox archiver",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			// default to help
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&o.jobsPath, "jobs", "jobs.yaml", "Path to the YAML job file")
	rootCmd.PersistentFlags().StringVar(&o.archiveRoot, "archive", "archive", "Archive root directory")
	rootCmd.PersistentFlags().BoolVar(&o.noTUI, "no-tui", false, "Disable the progress UI, print plain logs")
	rootCmd.PersistentFlags().BoolVar(&o.verbose, "verbose", false, "Enable detailed per-message logs")

	var showVersion bool
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Printf("imapvault %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
	}

	backupCmd := &cobra.Command{
		Use:   "backup [job...]",
		Short: "Archive mailboxes into the content-addressed store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context(), o, args)
		},
	}
	backupCmd.Flags().IntVar(&o.concurrency, "concurrency", 2, "Number of mailboxes to process in parallel")
	rootCmd.AddCommand(backupCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the folders each backup job would process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(o)
		},
	})

	var idle bool
	copyCmd := &cobra.Command{
		Use:   "copy",
		Short: "Mirror the source mailbox into the destination mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCopy(cmd.Context(), o, idle)
		},
	}
	copyCmd.Flags().BoolVar(&idle, "idle", false, "Keep running: IDLE on the watch folder and mirror on change")
	rootCmd.AddCommand(copyCmd)

	var rebuildMailbox, rebuildFolder string
	rebuildCmd := &cobra.Command{
		Use:   "rebuild-db",
		Short: "Rebuild the metadata index from the archive files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(o, rebuildMailbox, rebuildFolder)
		},
	}
	rebuildCmd.Flags().StringVar(&rebuildMailbox, "mailbox", "", "Mailbox label to record the entries under")
	rebuildCmd.Flags().StringVar(&rebuildFolder, "folder", "ARCHIVE", "Folder label to record the entries under")
	_ = rebuildCmd.MarkFlagRequired("mailbox")
	rootCmd.AddCommand(rebuildCmd)

	var mboxPath, importMailbox, importFolder string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a local MBOX file into the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), o, mboxPath, importMailbox, importFolder)
		},
	}
	importCmd.Flags().StringVar(&mboxPath, "mbox", "", "Path to the MBOX file")
	importCmd.Flags().StringVar(&importMailbox, "mailbox", "", "Mailbox label to record the entries under")
	importCmd.Flags().StringVar(&importFolder, "folder", "MBOX", "Folder label to record the entries under")
	_ = importCmd.MarkFlagRequired("mbox")
	_ = importCmd.MarkFlagRequired("mailbox")
	rootCmd.AddCommand(importCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// promptPasswords asks for the password of every selected job that has none
// configured. Reading fails when stdin is not a terminal.
func promptPasswords(jobs []*config.Mailbox) error {
	for _, j := range jobs {
		if j.Password != "" {
			continue
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("job %q has no password and stdin is not a terminal", j.Name)
		}
		fmt.Fprintf(os.Stderr, "Password for %s (%s@%s): ", j.Name, j.Username, j.Server)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password for %s: %w", j.Name, err)
		}
		j.Password = string(b)
	}
	return nil
}

func selectJobs(all []*config.Mailbox, names []string) ([]*config.Mailbox, error) {
	jobs := config.BackupJobs(all)
	if len(names) == 0 {
		return jobs, nil
	}
	byName := make(map[string]*config.Mailbox, len(jobs))
	for _, j := range jobs {
		byName[j.Name] = j
	}
	var out []*config.Mailbox
	for _, name := range names {
		j, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown backup job %q", name)
		}
		out = append(out, j)
	}
	return out, nil
}

func openDB(o *rootOptions) (*metadb.DB, error) {
	if err := os.MkdirAll(o.archiveRoot, 0o755); err != nil {
		return nil, err
	}
	return metadb.Open(filepath.Join(o.archiveRoot, dbFileName))
}

func runBackup(ctx context.Context, o *rootOptions, args []string) error {
	all, err := config.Load(o.jobsPath)
	if err != nil {
		return err
	}
	jobs, err := selectJobs(all, args)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No backup jobs to process.")
		return nil
	}
	if err := promptPasswords(jobs); err != nil {
		return err
	}

	store, err := cas.New(o.archiveRoot)
	if err != nil {
		return err
	}
	var db *metadb.DB
	for _, j := range jobs {
		if j.WithDB {
			if db, err = openDB(o); err != nil {
				return err
			}
			defer db.Close()
			break
		}
	}

	// Engine logs would tear the TUI, so verbose output needs --no-tui.
	eng := syncer.New(store, db, jobs, syncer.Options{
		Concurrency: o.concurrency,
		Quiet:       !o.noTUI || !o.verbose,
	})
	var results []syncer.Result
	var counts outcomeCounts
	if o.noTUI {
		results, counts = runPlain(ctx, eng)
	} else {
		results, counts = runTUI(ctx, eng)
	}

	fmt.Printf("Summary: %d new, %d existing, %d deleted, %d error(s)\n",
		counts[syncer.OutcomeNew], counts[syncer.OutcomeExists],
		counts[syncer.OutcomeDeleted], counts[syncer.OutcomeError])
	failed := false
	for _, r := range results {
		if r.Err != nil {
			failed = true
			fmt.Printf("  %s: FAILED: %v\n", r.Mailbox, r.Err)
		}
	}
	if failed {
		return errors.New("one or more mailboxes failed")
	}
	return nil
}

type outcomeCounts map[syncer.Outcome]int

// runPlain drains the event stream without a UI. Per-message detail comes
// from the engine's own logs when verbose.
func runPlain(ctx context.Context, eng *syncer.Engine) ([]syncer.Result, outcomeCounts) {
	counts := make(outcomeCounts)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range eng.Events() {
			switch ev.Type {
			case syncer.EventFolderStart:
				fmt.Printf("%s::%s: %d message(s)\n", ev.Mailbox, ev.Folder, ev.Total)
			case syncer.EventMessage:
				counts[ev.Outcome]++
				if ev.Err != nil && ev.Outcome != syncer.OutcomeError {
					fmt.Printf("%s::%s[%d]: warning: %v\n", ev.Mailbox, ev.Folder, ev.Seq, ev.Err)
				}
			}
		}
	}()
	results := eng.Run(ctx)
	<-done
	return results, counts
}

func runList(o *rootOptions) error {
	all, err := config.Load(o.jobsPath)
	if err != nil {
		return err
	}
	jobs := config.BackupJobs(all)
	if err := promptPasswords(jobs); err != nil {
		return err
	}
	for _, job := range jobs {
		flt, err := filter.New(job.Rules())
		if err != nil {
			return err
		}
		c, err := imaputil.Dial(job)
		if err != nil {
			return err
		}
		folders, err := imaputil.ListFolders(c)
		_ = c.Logout()
		if err != nil {
			return fmt.Errorf("%s: %w", job.Name, err)
		}
		for _, f := range folders {
			if flt.Include(f.Name, f.Flags) {
				fmt.Printf("%s::%s\n", job.Name, f.Name)
			}
		}
	}
	return nil
}

func runCopy(ctx context.Context, o *rootOptions, idle bool) error {
	all, err := config.Load(o.jobsPath)
	if err != nil {
		return err
	}
	src, dst, err := config.CopyPair(all)
	if err != nil {
		return err
	}
	if err := promptPasswords([]*config.Mailbox{src, dst}); err != nil {
		return err
	}
	db, err := openDB(o)
	if err != nil {
		return err
	}
	defer db.Close()

	eng := mirror.New(src, dst, db, !o.verbose)
	counts := make(outcomeCounts)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range eng.Events() {
			switch ev.Type {
			case syncer.EventFolderStart:
				if o.verbose {
					fmt.Printf("%s::%s: %d message(s)\n", ev.Mailbox, ev.Folder, ev.Total)
				}
			case syncer.EventMessage:
				counts[ev.Outcome]++
			}
		}
	}()
	if idle {
		err = eng.RunIdle(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	} else {
		err = eng.RunOnce(ctx)
	}
	<-done
	fmt.Printf("Summary: %d new, %d existing, %d moved, %d error(s)\n",
		counts[syncer.OutcomeNew], counts[syncer.OutcomeExists],
		counts[syncer.OutcomeDeleted], counts[syncer.OutcomeError])
	return err
}

func runRebuild(o *rootOptions, mailbox, folder string) error {
	store, err := cas.New(o.archiveRoot)
	if err != nil {
		return err
	}
	db, err := openDB(o)
	if err != nil {
		return err
	}
	defer db.Close()
	n, err := db.BuildFromArchive(store, mailbox, folder)
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d message(s) under %s::%s\n", n, mailbox, folder)
	return nil
}

func runImport(ctx context.Context, o *rootOptions, mboxPath, mailbox, folder string) error {
	f, err := os.Open(mboxPath)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()

	store, err := cas.New(o.archiveRoot)
	if err != nil {
		return err
	}
	db, err := openDB(o)
	if err != nil {
		return err
	}
	defer db.Close()

	var added, existing int
	start := time.Now()
	r := mbox.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		mr, err := r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read mbox: %w", err)
		}
		var b strings.Builder
		if _, err := io.Copy(&b, mr); err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		raw := []byte(b.String())
		digest, wasNew, err := store.Put(raw)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		if err := db.Record(digest, mailbox, folder, classify.ParseHeaders(raw)); err != nil {
			return err
		}
		if wasNew {
			added++
		} else {
			existing++
		}
		if o.verbose {
			outcome := syncer.OutcomeExists
			if wasNew {
				outcome = syncer.OutcomeNew
			}
			fmt.Printf("%s::%s: %s id=%s\n", mailbox, folder, outcome, digest)
		}
	}
	fmt.Printf("Imported %d new, %d existing message(s) in %s\n", added, existing, time.Since(start).Round(time.Millisecond))
	return nil
}
