package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/attune/pkg/sessionlog"
	"github.com/MrWong99/attune/pkg/sessionlog/postgres"
)

type exportOptions struct {
	configPath string
	session    string
	out        string
	list       int
}

func newExportCmd() *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump a persisted session from Postgres as JSON Lines",
		Long: "export reads every turn of --session from the configured Postgres store and writes one JSON object per line.\n" +
			"With --list it prints the most recent sessions instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.list == 0 && opts.session == "" {
				return errors.New("either --session or --list is required")
			}
			return export(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	addConfigFlag(cmd, &opts.configPath)
	cmd.Flags().StringVar(&opts.session, "session", "", "session ID to export")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().IntVar(&opts.list, "list", 0, "list the N most recent sessions instead of exporting")
	return cmd
}

func export(ctx context.Context, stdout io.Writer, opts exportOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if opts.list > 0 {
		sessions, err := store.Sessions(ctx, opts.list)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		return printSessions(stdout, sessions)
	}

	turns, err := store.Turns(ctx, opts.session)
	if err != nil {
		return fmt.Errorf("load session %q: %w", opts.session, err)
	}
	if len(turns) == 0 {
		return fmt.Errorf("session %q has no persisted turns", opts.session)
	}

	if opts.out == "" {
		return sessionlog.WriteTurns(stdout, turns)
	}
	return writeFileAtomic(opts.out, func(w io.Writer) error {
		return sessionlog.WriteTurns(w, turns)
	})
}

func printSessions(w io.Writer, sessions []sessionlog.Session) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tTURNS")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", s.ID, s.Started.Format(time.RFC3339), s.Turns)
	}
	return tw.Flush()
}

// writeFileAtomic writes through a temp file in the target directory and
// renames it into place, so a failed export never leaves a partial file.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".attune-export-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename export: %w", err)
	}
	return nil
}
