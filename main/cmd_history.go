package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"matbench/internal/journal"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newListCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the runs recorded in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.environment()
			if err != nil {
				return err
			}
			j, err := env.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			entries, err := j.List(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-5s %-20s %-12s %-8s %-12s %-5s %-16s\n", "ID", "RUN", "EXPE", "MODE", "STATUS", "EXIT", "CREATED")
			for _, e := range entries {
				exit := "-"
				if e.ExitCode != nil {
					exit = strconv.Itoa(*e.ExitCode)
				}
				created := "(unknown)"
				if !e.CreatedAt.IsZero() {
					created = humanize.Time(e.CreatedAt)
				}
				fmt.Fprintf(out, "%-5d %-20s %-12s %-8s %-12s %-5s %-16s\n", e.ID, e.RunID, e.Expe, e.Mode, e.Status, exit, created)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show (0 for all)")
	return cmd
}

func newShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a journaled run by journal id or run ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.environment()
			if err != nil {
				return err
			}
			j, err := env.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			e, err := j.Get(args[0])
			if err != nil {
				if errors.Is(err, journal.ErrNotFound) {
					return fmt.Errorf("no run with id %s", args[0])
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %d\n", e.ID)
			fmt.Fprintln(out, "-------------")
			fmt.Fprintf(out, "Run ID:      %s\n", e.RunID)
			fmt.Fprintf(out, "Experiment:  %s\n", e.Expe)
			fmt.Fprintf(out, "Mode:        %s\n", e.Mode)
			fmt.Fprintf(out, "Status:      %s\n", e.Status)
			if e.ExitCode != nil {
				fmt.Fprintf(out, "Exit code:   %d\n", *e.ExitCode)
			}
			fmt.Fprintf(out, "Directory:   %s\n", e.Dir)
			fmt.Fprintf(out, "Command:     %s\n", e.Command)
			if e.GitCommit != "" {
				fmt.Fprintf(out, "Git commit:  %s\n", e.GitCommit)
				fmt.Fprintf(out, "Git branch:  %s\n", e.GitBranch)
			}
			if !e.CreatedAt.IsZero() {
				fmt.Fprintf(out, "Created at:  %s (%s)\n", e.CreatedAt.Format(time.RFC3339), humanize.Time(e.CreatedAt))
			} else {
				fmt.Fprintf(out, "Created at:  (unknown)\n")
			}
			if !e.CompletedAt.IsZero() {
				fmt.Fprintf(out, "Completed:   %s (took %s)\n", e.CompletedAt.Format(time.RFC3339),
					e.CompletedAt.Sub(e.CreatedAt))
			}
			if s := strings.TrimSpace(e.Settings); s != "" {
				fmt.Fprintln(out, "Settings:")
				for _, line := range strings.Split(s, "\n") {
					fmt.Fprintf(out, "  %s\n", line)
				}
			}
			return nil
		},
	}
}
