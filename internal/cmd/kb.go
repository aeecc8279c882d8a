package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/cadpilot/internal/config"
	"github.com/harrison/cadpilot/internal/knowledge"
)

// NewKBCommand creates the 'cadpilot kb' command group
func NewKBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the SOP knowledge base",
		Long: `Index Markdown SOP documents and search them the way the planner does.

Documents are split on top-level headings; long sections are split further
on paragraphs. Search scores each chunk by the fraction of query keywords it
contains.`,
	}

	cmd.AddCommand(newKBIndexCommand())
	cmd.AddCommand(newKBSearchCommand())
	cmd.AddCommand(newKBStatsCommand())
	cmd.AddCommand(newKBClearCommand())

	return cmd
}

func newKBIndexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index [docs-dir]",
		Short: "Index the Markdown documents in a directory",
		Long: `Index every *.md file below docs-dir (default: knowledge.docs_dir from the
config). Re-indexing a document replaces its previous chunks.

Examples:
  cadpilot kb index docs/sop
  cadpilot kb index --builtin`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			builtin, _ := cmd.Flags().GetBool("builtin")

			dir := cfg.Knowledge.DocsDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" && !builtin {
				return fmt.Errorf("no docs directory given and knowledge.docs_dir is not set")
			}

			store, err := openKnowledge(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if builtin {
				n, err := store.IndexBuiltin(cmd.Context())
				if err != nil {
					return fmt.Errorf("index built-in documents: %w", err)
				}
				fmt.Fprintf(out, "Indexed %d chunks from built-in documents\n", n)
			}
			if dir != "" {
				n, err := store.Index(cmd.Context(), dir)
				fmt.Fprintf(out, "Indexed %d chunks from %s\n", n, dir)
				if err != nil {
					return fmt.Errorf("index %s: %w", dir, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("builtin", false, "Index the documents shipped with cadpilot")
	return cmd
}

func newKBSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			topK, _ := cmd.Flags().GetInt("top-k")
			asContext, _ := cmd.Flags().GetBool("context")

			store, err := openKnowledge(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			results, err := store.Search(cmd.Context(), strings.Join(args, " "), topK)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			out := cmd.OutOrStdout()
			if asContext {
				fmt.Fprint(out, store.FormatContext(results, cfg.Planner.ContextBudget))
				return nil
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "No matching documents.")
				return nil
			}
			bold := color.New(color.Bold).SprintFunc()
			for i, r := range results {
				fmt.Fprintf(out, "%d. %s  %s  (score %.2f)\n", i+1, bold(r.Title), r.Source, r.Score)
				fmt.Fprintf(out, "   %s\n", preview(r.Content, 120))
			}
			return nil
		},
	}
	cmd.Flags().Int("top-k", knowledge.DefaultTopK, "Maximum number of results")
	cmd.Flags().Bool("context", false, "Print the results as the planner's knowledge context")
	return cmd
}

func newKBStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show how many chunks and documents are indexed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openKnowledge(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Mode:      %s\n", stats.Mode)
			fmt.Fprintf(out, "Database:  %s\n", stats.Path)
			fmt.Fprintf(out, "Chunks:    %d\n", stats.DocumentCount)
			fmt.Fprintf(out, "Documents: %d\n", stats.SourceCount)
			return nil
		},
	}
}

func newKBClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every indexed chunk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openKnowledge(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Knowledge base cleared.")
			return nil
		},
	}
}

func openKnowledge(cfg *config.Config) (*knowledge.Store, error) {
	kc := cfg.Knowledge
	if kc.DBPath == "" {
		return nil, fmt.Errorf("knowledge.db_path is not set")
	}
	store, err := knowledge.NewStore(kc.DBPath, knowledge.Options{
		ChunkSize:    kc.ChunkSize,
		MinScore:     kc.MinScore,
		CacheMaxCost: kc.CacheMaxCost,
	})
	if err != nil {
		return nil, fmt.Errorf("open knowledge base: %w", err)
	}
	return store, nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
