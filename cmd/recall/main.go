package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"recall/internal/kg"
	"recall/internal/search"
	"recall/internal/store"
	"recall/internal/types"
)

var (
	// Global flags
	verbose  bool
	dataDir  string
	userID   string
	timeout  time.Duration
	jsonOut  bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "recall - local-first memory retrieval and learning core",
	Long: `recall is the memory core of a local-first assistant.

It stores knowledge as tiered memory items in SQLite, retrieves them with
hybrid dense + BM25 search fused by reciprocal rank, and learns which
memories actually help through Wilson-scored outcome feedback.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// searchCmd runs a hybrid search
var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories with hybrid dense + lexical retrieval",
	Long: `Runs the full retrieval pipeline: embedding, parallel dense and BM25
search, reciprocal rank fusion with tier boosts, optional cross-encoder
reranking, and Wilson blending for proven memories.

Example:
  recall search --user alice "how did I fix the caddy reload loop"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

var (
	searchTiers    []string
	searchLimit    int
	searchMinScore float64
	searchRerank   bool
	searchEntities []string
)

// rememberCmd stores a memory item
var rememberCmd = &cobra.Command{
	Use:   "remember [text]",
	Short: "Store a new memory item",
	Long: `Stores text as a memory item: entity extraction, embedding, vector
indexing and the content knowledge graph all happen on the way in.

Example:
  recall remember --user alice --tier patterns "restart caddy with systemctl reload caddy"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemember,
}

var (
	rememberTier         string
	rememberSummary      string
	rememberTags         []string
	rememberImportance   float64
	rememberConfidence   float64
	rememberAlwaysInject bool
)

// outcomeCmd records feedback on a memory
var outcomeCmd = &cobra.Command{
	Use:   "outcome [memory-id] [worked|partial|unknown|failed]",
	Short: "Record whether a retrieved memory actually helped",
	Long: `Applies outcome feedback to a memory item. The item's Wilson score,
success counters and the routing knowledge graph are all updated in one
transaction, so learning survives crashes.

Example:
  recall outcome --user alice 4f8a... worked --concepts caddy,homelab`,
	Args: cobra.ExactArgs(2),
	RunE: runOutcome,
}

var (
	outcomeContext  string
	outcomeConcepts []string
)

// documentCmd manages the document registry
var documentCmd = &cobra.Command{
	Use:   "document",
	Short: "Document registry commands (queue, status, context)",
}

var documentQueueCmd = &cobra.Command{
	Use:   "queue [url]",
	Short: "Queue a URL for ingestion into the books tier",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocumentQueue,
}

var documentStatusCmd = &cobra.Command{
	Use:   "status [url]",
	Short: "Show the registry entry for a URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocumentStatus,
}

var documentContextCmd = &cobra.Command{
	Use:   "context [url]",
	Short: "Render a completed document as injection-ready context",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocumentContext,
}

// forgetCmd hides or removes a memory
var forgetCmd = &cobra.Command{
	Use:   "forget [memory-id]",
	Short: "Archive, ghost or delete a memory item",
	Long: `Removes a memory from every search path. Archive keeps it readable by
id, ghost hides it while preserving its stats, delete soft-deletes it.`,
	Args: cobra.ExactArgs(1),
	RunE: runForget,
}

var forgetMode string

// solveCmd checks the known-solution fast path before searching
var solveCmd = &cobra.Command{
	Use:   "solve [problem]",
	Short: "Look up a pinned solution for a problem, falling back to search",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSolve,
}

// pinCmd records a known solution
var pinCmd = &cobra.Command{
	Use:   "pin [memory-id] [problem]",
	Short: "Pin a patterns-tier memory as the known solution for a problem",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPin,
}

// injectCmd lists the always-inject context items
var injectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Show memories pinned into every assistant context",
	RunE:  runInject,
}

// insightsCmd shows KG recommendations for a context
var insightsCmd = &cobra.Command{
	Use:   "insights [concepts...]",
	Short: "Show tier plan and action recommendations from the knowledge graphs",
	RunE:  runInsights,
}

var insightsContext string

// statsCmd shows corpus statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory counts per tier and index state",
	RunE:  runStats,
}

// sweepCmd archives expired memories
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Archive expired memories and tombstone their vectors",
	RunE:  runSweep,
}

// reindexCmd re-embeds stale items
var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-embed memories whose text or embedding model changed",
	RunE:  runReindex,
}

var reindexBatch int

var sweepVacuum bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", defaultDataDir(), "Data directory")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "User id (required for every command)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Emit JSON output")

	searchCmd.Flags().StringSliceVar(&searchTiers, "tiers", nil, "Restrict search to these tiers")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "Maximum results (default from config)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "Drop results below this final score")
	searchCmd.Flags().BoolVar(&searchRerank, "rerank", true, "Enable cross-encoder reranking")
	searchCmd.Flags().StringSliceVar(&searchEntities, "entities", nil, "Advisory entity pre-filter")

	rememberCmd.Flags().StringVar(&rememberTier, "tier", "working", "Memory tier")
	rememberCmd.Flags().StringVar(&rememberSummary, "summary", "", "Optional short summary")
	rememberCmd.Flags().StringSliceVar(&rememberTags, "tags", nil, "Tags")
	rememberCmd.Flags().Float64Var(&rememberImportance, "importance", 0.5, "Importance in [0,1]")
	rememberCmd.Flags().Float64Var(&rememberConfidence, "confidence", 0.5, "Confidence in [0,1]")
	rememberCmd.Flags().BoolVar(&rememberAlwaysInject, "always-inject", false, "Pin into every context")

	outcomeCmd.Flags().StringVar(&outcomeContext, "context", "", "Free-form outcome context")
	outcomeCmd.Flags().StringSliceVar(&outcomeConcepts, "concepts", nil, "Concepts for routing-graph credit")

	reindexCmd.Flags().IntVar(&reindexBatch, "batch", 100, "Maximum items per run")
	sweepCmd.Flags().BoolVar(&sweepVacuum, "vacuum", false, "Reclaim database space after sweeping")
	forgetCmd.Flags().StringVar(&forgetMode, "mode", "archive", "archive | ghost | delete")
	insightsCmd.Flags().StringVar(&insightsContext, "context", "", "Context type (docker, debugging, ...); detected from concepts when empty")

	documentCmd.AddCommand(documentQueueCmd)
	documentCmd.AddCommand(documentStatusCmd)
	documentCmd.AddCommand(documentContextCmd)

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(outcomeCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(solveCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(documentCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reindexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp bootstraps the core, runs fn under a signal-aware context, and
// drains background workers before returning.
func withApp(fn func(ctx context.Context, a *app) error) error {
	if userID == "" {
		return fmt.Errorf("--user is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(ctx, a)
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		query := strings.Join(args, " ")

		tiers, err := parseTiers(searchTiers)
		if err != nil {
			return err
		}

		resp, err := a.search.Search(ctx, search.Params{
			UserID:                userID,
			Query:                 query,
			Tiers:                 tiers,
			Limit:                 searchLimit,
			MinScore:              searchMinScore,
			EnableRerank:          searchRerank,
			QueryEntities:         searchEntities,
			EnableEntityPreFilter: len(searchEntities) > 0,
		})
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(resp)
		}
		if len(resp.Results) == 0 {
			fmt.Println("No results.")
		}
		for _, r := range resp.Results {
			fmt.Printf("%2d. [%s] %.4f  %s\n", r.Position, r.Tier, r.Scores.Final, firstLine(r.Preview, 100))
		}
		fmt.Printf("\nconfidence: %s", resp.Debug.Confidence)
		if len(resp.Debug.Fallbacks) > 0 {
			fmt.Printf("  fallbacks: %s", strings.Join(resp.Debug.Fallbacks, ","))
		}
		fmt.Println()
		return nil
	})
}

func runRemember(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		item, err := a.manager.Ingest(ctx, store.StoreParams{
			UserID:       userID,
			Text:         strings.Join(args, " "),
			Summary:      rememberSummary,
			Tags:         rememberTags,
			Tier:         types.Tier(rememberTier),
			Importance:   rememberImportance,
			Confidence:   rememberConfidence,
			AlwaysInject: rememberAlwaysInject,
		})
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(item)
		}
		fmt.Printf("stored %s in tier %s\n", item.MemoryID, item.Tier)
		return nil
	})
}

func runOutcome(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		memoryID, kind := args[0], types.OutcomeKind(args[1])
		item, err := a.manager.RecordOutcome(ctx, userID, memoryID, kind, outcomeContext, outcomeConcepts)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(item.Stats)
		}
		fmt.Printf("%s: uses=%d wilson=%.3f success_rate=%.3f\n",
			memoryID, item.Stats.Uses, item.Stats.WilsonScore, item.Stats.SuccessRate)
		return nil
	})
}

func runDocumentQueue(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		entry, queued, err := a.registry.QueueURL(ctx, userID, args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(entry)
		}
		if queued {
			fmt.Printf("queued %s (doc %s)\n", args[0], entry.DocID)
		} else {
			fmt.Printf("already known: doc %s, status %s\n", entry.DocID, entry.Status)
		}
		return nil
	})
}

func runDocumentStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		entry, err := a.registry.GetDocument(ctx, userID, args[0])
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("no registry entry for %s", args[0])
		}
		if jsonOut {
			return printJSON(entry)
		}
		fmt.Printf("doc %s: %s (%d words, %d memories)\n", entry.DocID, entry.Status, entry.WordCount, len(entry.MemoryIDs))
		if entry.Error != "" {
			fmt.Printf("error: %s\n", entry.Error)
		}
		return nil
	})
}

func runDocumentContext(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		rendered, err := a.registry.GetDocumentContext(ctx, userID, args[0], 0)
		if err != nil {
			return err
		}
		fmt.Println(rendered)
		return nil
	})
}

func runForget(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		memoryID := args[0]
		var err error
		switch forgetMode {
		case "archive":
			err = a.manager.Archive(ctx, userID, memoryID)
		case "ghost":
			err = a.manager.Ghost(ctx, userID, memoryID)
		case "delete":
			err = a.manager.Delete(ctx, userID, memoryID)
		default:
			return fmt.Errorf("unknown forget mode %q", forgetMode)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", forgetMode, memoryID)
		return nil
	})
}

func runSolve(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		problem := strings.Join(args, " ")

		pinned, err := a.search.KnownSolution(ctx, userID, problem)
		if err != nil {
			return err
		}
		if pinned != nil {
			if jsonOut {
				return printJSON(pinned)
			}
			fmt.Printf("pinned solution %s (used %d times):\n%s\n", pinned.MemoryID, pinned.Scores.Uses, pinned.Content)
			return nil
		}

		resp, err := a.search.Search(ctx, search.Params{
			UserID: userID,
			Query:  problem,
			Tiers:  []types.Tier{types.TierPatterns, types.TierMemoryBank},
		})
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(resp)
		}
		if len(resp.Results) == 0 {
			fmt.Println("No pinned solution and nothing close enough in patterns or memory bank.")
			return nil
		}
		fmt.Println("No pinned solution; closest matches:")
		for _, r := range resp.Results {
			fmt.Printf("%2d. [%s] %.4f  %s\n", r.Position, r.Tier, r.Scores.Final, firstLine(r.Preview, 100))
		}
		return nil
	})
}

func runPin(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		memoryID := args[0]
		problem := strings.Join(args[1:], " ")
		if err := a.store.RecordKnownSolution(ctx, userID, problem, memoryID); err != nil {
			return err
		}
		fmt.Printf("pinned %s as the solution for %q\n", memoryID, problem)
		return nil
	})
}

func runInject(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		items, err := a.store.GetAlwaysInject(ctx, userID, 20)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("No always-inject memories.")
			return nil
		}
		for _, item := range items {
			fmt.Printf("[%s] %s  %s\n", item.Tier, item.MemoryID, firstLine(item.Text, 100))
		}
		return nil
	})
}

func runInsights(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		contextType := types.ContextType(insightsContext)
		if contextType == "" {
			contextType = kg.DetectContextType(strings.Join(args, " "), nil)
		}

		insights, err := a.graph.GetContextInsights(ctx, userID, contextType, args)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(insights)
		}

		fmt.Printf("context: %s\n", insights.ContextType)
		fmt.Printf("tier plan (%s, confidence %.2f):", insights.TierPlan.Source, insights.TierPlan.Confidence)
		for _, tier := range insights.TierPlan.Tiers {
			fmt.Printf(" %s", tier)
		}
		fmt.Println()
		for _, act := range insights.PreferredActions {
			fmt.Printf("prefer %-24s wilson=%.3f uses=%d\n", act.Action, act.Stats.WilsonScore, act.Stats.Uses)
		}
		for _, act := range insights.AvoidActions {
			fmt.Printf("avoid  %-24s wilson=%.3f uses=%d\n", act.Action, act.Stats.WilsonScore, act.Stats.Uses)
		}
		if len(insights.RelatedEntities) > 0 {
			fmt.Printf("related: %s\n", strings.Join(insights.RelatedEntities, ", "))
		}
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		counts, err := a.store.CountByTier(ctx, userID)
		if err != nil {
			return err
		}
		active, err := a.store.CountActive(ctx, userID)
		if err != nil {
			return err
		}
		indexed, err := a.index.Count(ctx, userID)
		if err != nil {
			return err
		}
		tables, err := a.store.Stats(ctx)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(map[string]interface{}{
				"tiers":   counts,
				"active":  active,
				"indexed": indexed,
				"tables":  tables,
			})
		}
		for _, tier := range types.AllTiers {
			fmt.Printf("%-18s %d\n", tier, counts[tier])
		}
		fmt.Printf("%-18s %d\n", "active", active)
		fmt.Printf("%-18s %d\n", "indexed vectors", indexed)
		fmt.Printf("%-18s %d\n", "outcome records", tables["memory_outcomes"])
		fmt.Printf("%-18s %d\n", "kg nodes", tables["kg_nodes"])
		fmt.Printf("%-18s %d\n", "documents", tables["document_registry"])
		if a.index.Accelerated() {
			fmt.Println("vector search: sqlite-vec")
		} else {
			fmt.Println("vector search: brute force")
		}
		return nil
	})
}

func runSweep(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		swept, err := a.manager.Sweep(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Printf("archived %d expired memories\n", swept)
		if sweepVacuum {
			if err := a.store.Vacuum(ctx); err != nil {
				return err
			}
			fmt.Println("database vacuumed")
		}
		return nil
	})
}

func runReindex(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		n, err := a.manager.ReindexPending(ctx, userID, reindexBatch)
		if err != nil {
			return err
		}
		fmt.Printf("reindexed %d memories\n", n)
		return nil
	})
}

func parseTiers(raw []string) ([]types.Tier, error) {
	var tiers []types.Tier
	for _, t := range raw {
		tier, ok := types.NormalizeTier(t)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q", t)
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string, max int) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return s
}
