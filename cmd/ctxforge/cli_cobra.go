package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctxforge/ctxforge/pkg/config"
	"github.com/ctxforge/ctxforge/pkg/ctxengine"
)

var (
	configPath string
	dbPath     string
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "ctxforge",
		Short: "Context engineering for multi-agent task orchestration",
		Long: strings.TrimSpace(`ctxforge selects, ranks, budgets, and injects supporting material into
bounded prompts for autonomous worker roles, and learns reusable error
patterns from fail-then-succeed outcomes.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&configPath, "config", "ctxforge.json", "Path to config file")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides config)")

	root.AddCommand(newAssembleCommand())
	root.AddCommand(newPackagesCommand())
	root.AddCommand(newPatternsCommand())
	root.AddCommand(newStrategiesCommand())
	root.AddCommand(newEstimateCommand())
	root.AddCommand(newRedactCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func loadOptions() (config.Options, error) {
	opts, err := config.Load(configPath)
	if err != nil {
		return config.Options{}, err
	}
	if dbPath != "" {
		opts.Store.Path = dbPath
	}
	return opts, nil
}

// openEngine wires the full stack for one-shot CLI invocations.
func openEngine() (config.Options, *ctxengine.SQLiteStore, *ctxengine.PatternEngine, *ctxengine.Assembler, error) {
	opts, err := loadOptions()
	if err != nil {
		return config.Options{}, nil, nil, nil, err
	}
	store, err := ctxengine.NewSQLiteStore(opts.Store)
	if err != nil {
		return config.Options{}, nil, nil, nil, err
	}
	redactor := ctxengine.NewSecretRedactor(opts.Redaction)
	patterns := ctxengine.NewPatternEngine(store, redactor, opts.Patterns)
	ranker := ctxengine.NewHeuristicRanker(opts.Ranking)
	estimator := ctxengine.NewTokenEstimator(opts.Budget.SafetyMargin)
	assembler := ctxengine.NewAssembler(store, ranker, estimator, patterns, opts)
	return opts, store, patterns, assembler, nil
}

func newAssembleCommand() *cobra.Command {
	var (
		session   string
		group     string
		role      string
		model     string
		task      string
		project   string
		usage     float64
		used      int
		iteration int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "assemble",
		Short: "Assemble a context block for a worker role",
		Example: strings.Join([]string{
			"  ctxforge assemble --session s1 --role developer --model claude-sonnet --usage 0.42",
			"  ctxforge assemble --session s1 --group g1 --role qa --used-tokens 85000 --model gpt-4o",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := ctxengine.Role(role)
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			_, store, _, assembler, err := openEngine()
			if err != nil {
				return err
			}
			defer store.Close()

			result := assembler.Assemble(cmd.Context(), ctxengine.AssembleRequest{
				SessionID:     session,
				GroupID:       group,
				Role:          r,
				ModelID:       model,
				Task:          task,
				Project:       project,
				Iteration:     iteration,
				UsedTokens:    used,
				UsageFraction: usage,
			})
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(result)
			}
			fmt.Print(result.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Session id (required)")
	cmd.Flags().StringVar(&group, "group", "", "Task group id")
	cmd.Flags().StringVar(&role, "role", "developer", "Worker role")
	cmd.Flags().StringVar(&model, "model", "", "Model id for token estimation")
	cmd.Flags().StringVar(&task, "task", "", "Task description for the block header")
	cmd.Flags().StringVar(&project, "project", "", "Project scope for error-pattern hints")
	cmd.Flags().Float64Var(&usage, "usage", 0, "Current usage fraction [0,1]")
	cmd.Flags().IntVar(&used, "used-tokens", 0, "Current prompt token usage")
	cmd.Flags().IntVar(&iteration, "iteration", 0, "Task attempt iteration")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the full result as JSON")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newPackagesCommand() *cobra.Command {
	pkgRoot := &cobra.Command{
		Use:   "packages",
		Short: "Manage context packages",
	}

	var (
		session     string
		group       string
		priority    string
		contentType string
		summary     string
		contentFile string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a context package",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := ""
			if contentFile == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				content = string(data)
			} else if contentFile != "" {
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				content = string(data)
			}
			_, store, _, _, err := openEngine()
			if err != nil {
				return err
			}
			defer store.Close()

			pkg, err := store.InsertPackage(cmd.Context(), ctxengine.ContextPackage{
				SessionID:   session,
				GroupID:     group,
				Priority:    ctxengine.Priority(priority),
				ContentType: ctxengine.ContentType(contentType),
				Summary:     summary,
			}, content)
			if err != nil {
				return err
			}
			fmt.Println(pkg.ID)
			return nil
		},
	}
	add.Flags().StringVar(&session, "session", "", "Session id (required)")
	add.Flags().StringVar(&group, "group", "", "Task group id")
	add.Flags().StringVar(&priority, "priority", "medium", "Priority: critical|high|medium|low")
	add.Flags().StringVar(&contentType, "type", "general", "Content type")
	add.Flags().StringVar(&summary, "summary", "", "Short summary (required)")
	add.Flags().StringVar(&contentFile, "content", "", "Content file path, or - for stdin")
	_ = add.MarkFlagRequired("session")
	_ = add.MarkFlagRequired("summary")
	pkgRoot.AddCommand(add)

	var listSession, listGroup string
	list := &cobra.Command{
		Use:   "list",
		Short: "List packages in a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, _, err := openEngine()
			if err != nil {
				return err
			}
			defer store.Close()

			pkgs, err := store.ListPackages(cmd.Context(), listSession, listGroup, 0)
			if err != nil {
				return err
			}
			for _, p := range pkgs {
				fmt.Printf("%s  [%s] %s\n", p.ID, p.Priority, p.Summary)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listSession, "session", "", "Session id (required)")
	list.Flags().StringVar(&listGroup, "group", "", "Task group id")
	_ = list.MarkFlagRequired("session")
	pkgRoot.AddCommand(list)

	var escID, escTo string
	escalate := &cobra.Command{
		Use:   "escalate",
		Short: "Raise a package's priority (downgrades are rejected)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, _, err := openEngine()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.EscalatePackagePriority(cmd.Context(), escID, ctxengine.Priority(escTo))
		},
	}
	escalate.Flags().StringVar(&escID, "id", "", "Package id (required)")
	escalate.Flags().StringVar(&escTo, "to", "", "New priority (required)")
	_ = escalate.MarkFlagRequired("id")
	_ = escalate.MarkFlagRequired("to")
	pkgRoot.AddCommand(escalate)

	return pkgRoot
}

func newPatternsCommand() *cobra.Command {
	patRoot := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect and maintain learned error patterns",
	}

	var project string
	list := &cobra.Command{
		Use:   "list",
		Short: "List patterns for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, patterns, _, err := openEngine()
			if err != nil {
				return err
			}
			defer store.Close()

			pats, err := store.ListPatterns(cmd.Context(), project, 0)
			if err != nil {
				return err
			}
			now := time.Now()
			for _, p := range pats {
				fmt.Printf("%-10s conf=%.2f seen=%dx %s  %s\n",
					patterns.StateOf(p, now), p.Confidence, p.Occurrences,
					p.Hash[:12], firstLine(p.Solution))
			}
			return nil
		},
	}
	list.Flags().StringVar(&project, "project", "", "Project scope (required)")
	_ = list.MarkFlagRequired("project")
	patRoot.AddCommand(list)

	var statsProject string
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize pattern health for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, patterns, _, err := openEngine()
			if err != nil {
				return err
			}
			defer store.Close()

			pats, err := store.ListPatterns(cmd.Context(), statsProject, 0)
			if err != nil {
				return err
			}
			if len(pats) == 0 {
				fmt.Println("no patterns recorded")
				return nil
			}
			now := time.Now()
			byState := map[ctxengine.PatternState]int{}
			var confSum float64
			for _, p := range pats {
				byState[patterns.StateOf(p, now)]++
				confSum += p.Confidence
			}
			fmt.Printf("patterns: %d  avg confidence: %.2f\n", len(pats), confSum/float64(len(pats)))
			for _, state := range []ctxengine.PatternState{
				ctxengine.PatternConfirmed, ctxengine.PatternActive,
				ctxengine.PatternDemoted, ctxengine.PatternExpired,
			} {
				if n := byState[state]; n > 0 {
					fmt.Printf("  %-10s %d\n", state, n)
				}
			}
			return nil
		},
	}
	stats.Flags().StringVar(&statsProject, "project", "", "Project scope (required)")
	_ = stats.MarkFlagRequired("project")
	patRoot.AddCommand(stats)

	var follow bool
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Delete patterns past their TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, store, patterns, _, err := openEngine()
			if err != nil {
				return err
			}
			defer store.Close()

			if follow {
				sweeper, err := ctxengine.NewSweeper(patterns, opts.Sweep)
				if err != nil {
					return err
				}
				sweeper.Run(cmd.Context())
				return nil
			}
			removed, err := patterns.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired patterns\n", removed)
			return nil
		},
	}
	sweep.Flags().BoolVar(&follow, "follow", false, "Keep running on the configured cron schedule")
	patRoot.AddCommand(sweep)

	return patRoot
}

func newStrategiesCommand() *cobra.Command {
	stratRoot := &cobra.Command{
		Use:   "strategies",
		Short: "Manage reusable strategies",
	}

	var (
		project string
		topic   string
		insight string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Record a reusable strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, store, _, _, err := openEngine()
			if err != nil {
				return err
			}
			defer store.Close()

			book := ctxengine.NewStrategyBook(store, ctxengine.NewSecretRedactor(opts.Redaction))
			st, err := book.Record(cmd.Context(), ctxengine.Strategy{
				Project: project,
				Topic:   topic,
				Insight: insight,
			})
			if err != nil {
				return err
			}
			fmt.Println(st.ID)
			return nil
		},
	}
	add.Flags().StringVar(&project, "project", "", "Project scope (required)")
	add.Flags().StringVar(&topic, "topic", "", "Topic")
	add.Flags().StringVar(&insight, "insight", "", "Insight text (required)")
	_ = add.MarkFlagRequired("project")
	_ = add.MarkFlagRequired("insight")
	stratRoot.AddCommand(add)

	var listProject, listTopic string
	list := &cobra.Command{
		Use:   "list",
		Short: "List strategies by helpfulness",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, _, err := openEngine()
			if err != nil {
				return err
			}
			defer store.Close()

			strategies, err := store.ListStrategies(cmd.Context(), listProject, listTopic, 0)
			if err != nil {
				return err
			}
			for _, st := range strategies {
				fmt.Printf("%s  (+%d) %s: %s\n", st.ID, st.Helpfulness, st.Topic, firstLine(st.Insight))
			}
			return nil
		},
	}
	list.Flags().StringVar(&listProject, "project", "", "Project scope (required)")
	list.Flags().StringVar(&listTopic, "topic", "", "Topic filter")
	_ = list.MarkFlagRequired("project")
	stratRoot.AddCommand(list)

	return stratRoot
}

func newEstimateCommand() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "estimate [text]",
		Short: "Estimate token count for text (reads stdin without args)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}
			text, err := textFromArgsOrStdin(args)
			if err != nil {
				return err
			}
			estimator := ctxengine.NewTokenEstimator(opts.Budget.SafetyMargin)
			fmt.Println(estimator.Estimate(text, model))
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Model id")
	return cmd
}

func newRedactCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "redact [text]",
		Short: "Redact secrets from text (reads stdin without args)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}
			if mode != "" {
				opts.Redaction.Mode = mode
			}
			text, err := textFromArgsOrStdin(args)
			if err != nil {
				return err
			}
			fmt.Println(ctxengine.NewSecretRedactor(opts.Redaction).Redact(text))
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Redaction mode: pattern_only|entropy|both")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

func textFromArgsOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
