package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"matbench/internal/config"
	"matbench/internal/journal"
	"matbench/internal/logging"
	"matbench/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// globals holds the persistent flags and what is built from them.
type globals struct {
	verbose    bool
	profile    string
	resultsDir string
	workload   string

	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{logger: zap.NewNop()}
	rootCmd := &cobra.Command{
		Use:   "matbench",
		Short: "Run parametrized benchmark campaigns",
		Long: `matbench expands the settings of a benchmark description into every
combination, skips the combinations already recorded in the results
directory, and runs, previews or stages the others.

Nothing is executed unless --run is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			g.logger = logging.New(cmd.ErrOrStderr(), g.verbose)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = g.logger.Sync()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&g.profile, "profile", "p", "", "Profile of the user configuration to apply")
	rootCmd.PersistentFlags().StringVar(&g.resultsDir, "results", "", "Results root directory (or set "+config.ResultsEnv+")")
	rootCmd.PersistentFlags().StringVarP(&g.workload, "workload", "w", "", "Workload name; its runs are stored in <results>/<workload>")

	rootCmd.AddCommand(newRunCmd(g), newScanCmd(g), newListCmd(g), newShowCmd(g))
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

// An environment is the resolved user configuration of a command.
type environment struct {
	profile  config.Profile
	results  string // results root
	workload string
}

// campaignDir is where the runs of the selected workload are stored.
func (e *environment) campaignDir() string {
	return filepath.Join(e.results, e.workload)
}

// parser returns the result parser registered for the workload, or the
// default one.
func (e *environment) parser(log *zap.Logger) store.Parser {
	p, err := store.LookupParser(e.workload)
	if err != nil {
		log.Debug("No parser for workload, using the default one", zap.String("workload", e.workload))
		p, _ = store.LookupParser(store.DefaultParser)
	}
	return p
}

// openJournal opens the journal of the profile, or the default one.
func (e *environment) openJournal() (*journal.Journal, error) {
	path := e.profile.Journal
	if path == "" {
		var err error
		if path, err = journal.DefaultPath(); err != nil {
			return nil, err
		}
	}
	path, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return j, nil
}

// environment resolves the user configuration. Flags win over the
// environment, which wins over the profile.
func (g *globals) environment() (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	profile, err := cfg.Resolve(g.profile)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		g.logger.Debug("Loaded user configuration", zap.String("path", cfg.Path()), zap.String("profile", g.profile))
	}
	env := &environment{profile: profile, workload: g.workload}

	results := cmp.Or(g.resultsDir, os.Getenv(config.ResultsEnv), profile.ResultsDir, "results")
	if env.results, err = config.ExpandPath(results); err != nil {
		return nil, fmt.Errorf("results directory %s: %w", results, err)
	}
	env.workload = cmp.Or(g.workload, profile.Workload, store.DefaultParser)
	return env, nil
}
