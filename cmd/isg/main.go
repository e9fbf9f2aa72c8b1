// Package main provides the isg CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"isg/internal/cas"
	"isg/internal/commit"
	"isg/internal/config"
	"isg/internal/graph"
	"isg/internal/ingest"
	"isg/internal/mincontext"
	"isg/internal/pack"
	"isg/internal/planner"
	"isg/internal/review"
	"isg/internal/session"
	"isg/internal/store"
	"isg/internal/validate"
)

const (
	isgDir     = ".isg"
	dbFile     = "isg.db"
	configFile = "config.yaml"
	stagingDir = "staging"
)

var rootCmd = &cobra.Command{
	Use:   "isg",
	Short: "isg - incremental change planning over an interface signature graph",
	Long: `isg maintains a persisted interface signature graph of a codebase and
plans incremental changes against it: proposed changes live as future
state alongside the committed baseline, are reviewed and validated in a
bounded refinement loop, and are promoted atomically on confirmation.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize isg in the current directory",
	RunE:  runInit,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a source tree as the committed baseline",
	RunE:  runIngest,
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List graph nodes",
	RunE:  runNodes,
}

var nodeCmd = &cobra.Command{
	Use:   "node <id>",
	Short: "Show one node (full id or unique prefix)",
	Args:  cobra.ExactArgs(1),
	RunE:  runNode,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Refinement session commands",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a refinement session from a change request and plan file",
	RunE:  runSessionStart,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active session",
	RunE:  runSessionStatus,
}

var sessionAbortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort the active session and discard all proposed state",
	RunE:  runSessionAbort,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Replace the active session's proposal with a new plan file",
	Long: `Replace the active session's proposal with directives from a plan file.

This acts as a refine-solution verdict supplied by hand and spends one
round of the session's budget.`,
	RunE: runPlan,
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Export the minimal review context as a zstd pack",
	RunE:  runContext,
}

var acceptCmd = &cobra.Command{
	Use:   "accept",
	Short: "Accept the standing proposal and move to code generation",
	RunE:  runAccept,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Materialize the proposal and run the validation gate",
	RunE:  runValidate,
}

var confirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Promote the validated proposal to the committed baseline",
	RunE:  runConfirm,
}

var rejectCmd = &cobra.Command{
	Use:   "reject",
	Short: "Reject the validated proposal and end the session",
	RunE:  runReject,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the commit log",
	RunE:  runLog,
}

var (
	ingestDir   string
	nodesKind   string
	nodesFuture bool
	nodeDepth   int
	requestText string
	planFile    string
	runLoop     bool
	contextOut  string
	logLimit    int
)

func init() {
	ingestCmd.Flags().StringVar(&ingestDir, "dir", ".", "Source tree to ingest")
	nodesCmd.Flags().StringVar(&nodesKind, "kind", "", "Filter by kind (Interface, TestInterface)")
	nodesCmd.Flags().BoolVar(&nodesFuture, "changed", false, "Only nodes with a proposed action")
	nodeCmd.Flags().IntVar(&nodeDepth, "depth", 0, "Also show the neighborhood within N hops")
	sessionStartCmd.Flags().StringVar(&requestText, "request", "", "Change request text (required)")
	sessionStartCmd.Flags().StringVar(&planFile, "plan", "", "YAML plan file with directives (required)")
	sessionStartCmd.Flags().BoolVar(&runLoop, "run", false, "Drive the loop with the configured reviewer")
	sessionStartCmd.MarkFlagRequired("request")
	sessionStartCmd.MarkFlagRequired("plan")
	planCmd.Flags().StringVar(&planFile, "file", "", "YAML plan file with directives (required)")
	planCmd.MarkFlagRequired("file")
	contextCmd.Flags().StringVar(&contextOut, "out", "context.zst", "Output pack path")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 10, "Number of entries to show")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionAbortCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(logCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*store.DB, error) {
	dbPath := filepath.Join(isgDir, dbFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no isg database found; run 'isg init' first")
	}
	return store.Open(dbPath)
}

func loadConfig() (*config.Config, error) {
	return config.Load(filepath.Join(isgDir, configFile))
}

func newController(db *store.DB, cfg *config.Config) *session.Controller {
	var reviewer review.Reviewer
	if cfg.Reviewer.URL != "" {
		reviewer = review.NewRemoteReviewer(cfg.Reviewer.URL, cfg.Reviewer.Timeout)
	}
	gate := &validate.CommandGate{
		Command: cfg.Validate.Command,
		Timeout: cfg.Validate.Timeout,
		Resolve: pathResolver(db),
	}
	codegen := &review.DirCodegen{Dir: filepath.Join(isgDir, stagingDir)}
	pl := planner.New(db, cfg.BlastRadiusThreshold)
	return session.New(db, pl, reviewer, codegen, gate, cfg)
}

// pathResolver maps a source path in tool output to node ids by the
// "path: signature" convention the ingester uses.
func pathResolver(db *store.DB) validate.NodeResolver {
	return func(path string) []string {
		nodes, err := db.ListNodes("")
		if err != nil {
			return nil
		}
		var ids []string
		for _, n := range nodes {
			if strings.HasPrefix(n.Signature, path+": ") {
				ids = append(ids, n.HexID())
			}
		}
		return ids
	}
}

type planDoc struct {
	Directives []planner.Directive `yaml:"directives"`
}

func loadPlan(path string) ([]planner.Directive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var doc planDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if len(doc.Directives) == 0 {
		return nil, fmt.Errorf("plan file %s has no directives", path)
	}
	return doc.Directives, nil
}

// shortID safely truncates an ID string to 12 characters.
func shortID(s string) string {
	if len(s) >= 12 {
		return s[:12]
	}
	return s
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(isgDir, 0755); err != nil {
		return fmt.Errorf("creating %s directory: %w", isgDir, err)
	}

	cfgPath := filepath.Join(isgDir, configFile)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.Default().Write(cfgPath); err != nil {
			return err
		}
	}

	db, err := store.Open(filepath.Join(isgDir, dbFile))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	fmt.Printf("Initialized isg in %s/\n", isgDir)
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ing := ingest.NewIngester(cfg.Ignore, cfg.TestPatterns)
	snap, err := ing.Ingest(ingestDir)
	if err != nil {
		return err
	}
	if err := db.SeedBaseline(snap); err != nil {
		return err
	}

	fmt.Printf("Ingested %d nodes, %d edges from %s\n", len(snap.Nodes), len(snap.Edges), ingestDir)
	return nil
}

func runNodes(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var nodes []*graph.Node
	if nodesFuture {
		nodes, err = db.ChangedNodes()
	} else {
		nodes, err = db.ListNodes(graph.NodeKind(nodesKind))
	}
	if err != nil {
		return err
	}

	fmt.Printf("%-12s  %-14s  %-7s  %s\n", "ID", "KIND", "ACTION", "SIGNATURE")
	for _, n := range nodes {
		fmt.Printf("%-12s  %-14s  %-7s  %s\n",
			shortID(n.HexID()), n.Kind, n.FutureAction, n.Signature)
	}
	fmt.Printf("\n%d nodes\n", len(nodes))
	return nil
}

func runNode(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := db.ResolvePrefix(args[0])
	if err != nil {
		return err
	}
	n, err := db.GetNode(id)
	if err != nil {
		return err
	}

	fmt.Printf("ID:         %s\n", n.HexID())
	fmt.Printf("Kind:       %s\n", n.Kind)
	fmt.Printf("Signature:  %s\n", n.Signature)
	fmt.Printf("In current: %v\n", n.CurrentInd)
	fmt.Printf("In future:  %v\n", n.FutureInd)
	fmt.Printf("Action:     %s\n", n.FutureAction)
	if len(n.Diagnostics) > 0 {
		fmt.Println("Diagnostics:")
		for _, d := range n.Diagnostics {
			fmt.Printf("  %s\n", d)
		}
	}

	callers, err := db.Callers(id, graph.StateCurrent)
	if err != nil {
		return err
	}
	if len(callers) > 0 {
		fmt.Println("Callers:")
		for _, c := range callers {
			fmt.Printf("  %s\n", cas.ShortHex(c))
		}
	}
	callees, err := db.Callees(id, graph.StateCurrent)
	if err != nil {
		return err
	}
	if len(callees) > 0 {
		fmt.Println("Callees:")
		for _, c := range callees {
			fmt.Printf("  %s\n", cas.ShortHex(c))
		}
	}

	if nodeDepth > 0 {
		neighborhood, err := db.GetSubgraph([][]byte{id}, nodeDepth, graph.StateCurrent)
		if err != nil {
			return err
		}
		fmt.Printf("Neighborhood (depth %d):\n", nodeDepth)
		for _, m := range neighborhood {
			fmt.Printf("  %s  %s\n", cas.ShortHex(m.ID), m.Signature)
		}
	}

	if n.CurrentCode != "" {
		fmt.Printf("\nCurrent code:\n%s\n", n.CurrentCode)
	}
	if n.FutureCode != "" {
		fmt.Printf("\nProposed code:\n%s\n", n.FutureCode)
	}
	return nil
}

func runSessionStart(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	directives, err := loadPlan(planFile)
	if err != nil {
		return err
	}

	ctrl := newController(db, cfg)
	sess, err := ctrl.Start(graph.ChangeRequest{Text: requestText}, directives)
	if err != nil {
		if errors.Is(err, graph.ErrRequestInfeasible) {
			fmt.Fprintf(os.Stderr, "request rejected: %v\n", err)
		}
		return err
	}

	fmt.Printf("Started session %s (round %d, state %s)\n", shortID(sess.ID), sess.Round, sess.State)

	if runLoop {
		if cfg.Reviewer.URL == "" {
			return fmt.Errorf("--run needs a reviewer url in %s", filepath.Join(isgDir, configFile))
		}
		if err := ctrl.Run(context.Background(), sess); err != nil {
			return err
		}
		fmt.Printf("Session %s now in %s\n", shortID(sess.ID), sess.State)
	}
	return nil
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	sess, err := db.ActiveSession()
	if err != nil {
		return err
	}

	fmt.Printf("Session:     %s\n", sess.ID)
	fmt.Printf("Request:     %s (rev %d)\n", sess.Request.ID, sess.Request.Rev)
	fmt.Printf("State:       %s\n", sess.State)
	fmt.Printf("Round:       %d\n", sess.Round)
	fmt.Printf("Materialized: %v\n", sess.Materialized)
	fmt.Printf("\n%s\n", sess.Request.Text)

	if len(sess.History) > 0 {
		fmt.Println("\nHistory:")
		for _, h := range sess.History {
			line := fmt.Sprintf("  r%d  %-15s", h.Round, h.State)
			if h.Verdict != "" {
				line += "  " + h.Verdict
			}
			if h.Note != "" {
				line += "  " + h.Note
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runSessionAbort(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctrl := newController(db, cfg)
	if err := ctrl.Abort(); err != nil {
		return err
	}
	fmt.Println("Session aborted; baseline untouched")
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	directives, err := loadPlan(planFile)
	if err != nil {
		return err
	}

	sess, err := db.ActiveSession()
	if err != nil {
		return err
	}

	ctrl := newController(db, cfg)
	verdict := &review.Verdict{Kind: review.RefineSolution, Directives: directives, Note: "plan supplied via cli"}
	if err := ctrl.Refine(sess, verdict); err != nil {
		return err
	}
	fmt.Printf("Session %s replanned (round %d, state %s)\n", shortID(sess.ID), sess.Round, sess.State)
	return nil
}

func runContext(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sess, err := db.ActiveSession()
	if err != nil {
		return err
	}

	changed, err := db.ChangedNodes()
	if err != nil {
		return err
	}
	actedIDs := make([][]byte, 0, len(changed))
	for _, n := range changed {
		actedIDs = append(actedIDs, n.ID)
	}

	mctx, err := mincontext.Extract(db, actedIDs, cfg.ContextDepth)
	if err != nil {
		return err
	}

	f, err := os.Create(contextOut)
	if err != nil {
		return fmt.Errorf("creating %s: %w", contextOut, err)
	}
	defer f.Close()
	if err := pack.Write(f, sess.Request, mctx); err != nil {
		return err
	}

	fmt.Printf("Wrote %d nodes, %d edges to %s\n", len(mctx.Entries), len(mctx.Edges), contextOut)
	return nil
}

func runAccept(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sess, err := db.ActiveSession()
	if err != nil {
		return err
	}

	ctrl := newController(db, cfg)
	if err := ctrl.Accept(sess); err != nil {
		return err
	}
	fmt.Printf("Proposal accepted; session %s in %s\n", shortID(sess.ID), sess.State)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sess, err := db.ActiveSession()
	if err != nil {
		return err
	}

	ctrl := newController(db, cfg)
	result, err := ctrl.StepValidate(context.Background(), sess)
	if err != nil {
		return err
	}
	if result.Pass {
		fmt.Printf("Validation passed; session %s awaits confirmation\n", shortID(sess.ID))
		return nil
	}

	fmt.Printf("Validation failed (session now in %s, round %d):\n", sess.State, sess.Round)
	for _, d := range result.Diagnostics {
		if d.NodeID != "" {
			fmt.Printf("  [%s] %s\n", shortID(d.NodeID), d.Message)
		} else {
			fmt.Printf("  %s\n", d.Message)
		}
	}
	return nil
}

func runConfirm(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ing := ingest.NewIngester(cfg.Ignore, cfg.TestPatterns)
	ctrl := newController(db, cfg)
	mgr := commit.New(db, ing, ".")

	entry, err := ctrl.Confirm(context.Background(), mgr)
	if err != nil {
		if entry != nil && commit.IsDrift(err) {
			fmt.Printf("Committed %s, but the codebase drifted from the promoted graph:\n  %v\n", shortID(entry.ID), err)
			return nil
		}
		return err
	}

	fmt.Printf("Committed %s (%d actions)\n", shortID(entry.ID), len(entry.Actions))
	if entry.GitHash != "" {
		fmt.Printf("Git: %s\n", shortID(entry.GitHash))
	}
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctrl := newController(db, cfg)
	if err := ctrl.Reject(); err != nil {
		return err
	}
	fmt.Println("Proposal rejected; baseline untouched")
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.ListCommits(logLimit)
	if err != nil {
		return err
	}

	for _, e := range entries {
		ts := time.UnixMilli(e.CreatedAt).Format("2006-01-02 15:04:05")
		fmt.Printf("%-12s  %s  request %s  git %s\n",
			shortID(e.ID), ts, shortID(e.RequestID), shortID(e.GitHash))
		for _, a := range e.Actions {
			fmt.Printf("    %-7s %s  %s\n", a.Action, shortID(a.NodeID), a.Kind)
		}
	}
	if len(entries) == 0 {
		fmt.Println("No commits")
	}
	return nil
}
