package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openclaw/memento"
	"github.com/openclaw/memento/internal/errs"
	"github.com/openclaw/memento/internal/query"
	"github.com/openclaw/memento/internal/store"
)

func main() {
	os.Exit(run())
}

// run builds and executes the root command, translating the closed
// error taxonomy (internal/errs) into spec.md §6's exit codes. cobra's
// own RunE/Execute path only distinguishes success from failure, so
// the mapping happens here rather than via root.Execute()'s return.
func run() int {
	var cfgPath string
	var jsonOut bool

	root := &cobra.Command{
		Use:   "memento",
		Short: "Local, embedded semantic memory for agents",
		Long:  "memento — offline semantic recall over a single-file store, powered by an ONNX sentence encoder and an HNSW-backed vector index.",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a memento TOML config file")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON where applicable")

	open := func() (*memento.Engine, error) {
		return memento.Open(context.Background(), memento.Options{ConfigPath: cfgPath, Log: zerolog.Nop()})
	}

	var source, sessionID, collection string
	var importance float64
	var tags []string
	rememberCmd := &cobra.Command{
		Use:   "remember <text>",
		Short: "Store a new memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			e, err := open()
			if err != nil {
				return err
			}
			defer e.Close()

			var importancePtr *float64
			if cmd.Flags().Changed("importance") {
				importancePtr = &importance
			}
			id, err := e.Remember(cmd.Context(), text, store.RememberOptions{
				Collection: collection,
				Importance: importancePtr,
				Source:     source,
				SessionID:  sessionID,
				Tags:       tags,
			})
			if err != nil {
				return err
			}
			fmt.Println(id.String())
			return nil
		},
	}
	rememberCmd.Flags().StringVar(&collection, "collection", "", "collection name (default)")
	rememberCmd.Flags().Float64Var(&importance, "importance", 0.5, "importance in [0,1]")
	rememberCmd.Flags().StringVar(&source, "source", "", "origin tag")
	rememberCmd.Flags().StringVar(&sessionID, "session-id", "", "session identifier")
	rememberCmd.Flags().StringSliceVar(&tags, "tags", nil, "comma-separated tags")
	root.AddCommand(rememberCmd)

	var topK int
	var recallCollection string
	var filterTags []string
	var filterSource, filterSessionID, filterSince, filterBefore, filterTextLike string
	var minImportance float64
	var timeoutMS int64
	recallCmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Recall memories similar to query, under an optional filter and deadline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")
			e, err := open()
			if err != nil {
				return err
			}
			defer e.Close()

			filters := map[string]any{}
			if len(filterTags) > 0 {
				anyTags := make([]any, len(filterTags))
				for i, t := range filterTags {
					anyTags[i] = t
				}
				filters["tags"] = anyTags
			}
			if filterSource != "" {
				filters["source"] = filterSource
			}
			if filterSessionID != "" {
				filters["session_id"] = filterSessionID
			}
			if filterTextLike != "" {
				filters["text_like"] = filterTextLike
			}
			if minImportance > 0 {
				filters["min_importance"] = minImportance
			}
			if filterSince != "" {
				filters["since"] = filterSince
			}
			if filterBefore != "" {
				filters["before"] = filterBefore
			}

			results, err := e.Recall(cmd.Context(), q, query.Options{
				Collection: recallCollection,
				TopK:       topK,
				Filters:    filters,
				TimeoutMS:  timeoutMS,
			})
			if err != nil {
				return err
			}
			printResults(results, jsonOut)
			return nil
		},
	}
	recallCmd.Flags().IntVar(&topK, "topk", 5, "number of results")
	recallCmd.Flags().StringVar(&recallCollection, "collection", "", "restrict to this collection")
	recallCmd.Flags().StringSliceVar(&filterTags, "tags", nil, "match any of these tags")
	recallCmd.Flags().StringVar(&filterSource, "source", "", "filter by exact source")
	recallCmd.Flags().StringVar(&filterSessionID, "session-id", "", "filter by exact session id")
	recallCmd.Flags().StringVar(&filterTextLike, "text-like", "", "case-insensitive substring match")
	recallCmd.Flags().Float64Var(&minImportance, "min-importance", 0, "lower bound on importance")
	recallCmd.Flags().StringVar(&filterSince, "since", "", `relative ("7d","24h","30m") or absolute (RFC3339/date) lower time bound`)
	recallCmd.Flags().StringVar(&filterBefore, "before", "", `relative or absolute upper time bound`)
	recallCmd.Flags().Int64Var(&timeoutMS, "timeout-ms", 5000, "wall-clock deadline in milliseconds")
	root.AddCommand(recallCmd)

	var recentCollection string
	var recentN int
	recentCmd := &cobra.Command{
		Use:   "get-recent",
		Short: "List the most recent memories in a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.Close()

			rows, err := e.GetRecent(cmd.Context(), recentCollection, recentN)
			if err != nil {
				return err
			}
			printMemories(rows, jsonOut)
			return nil
		},
	}
	recentCmd.Flags().StringVar(&recentCollection, "collection", "knowledge", "collection name")
	recentCmd.Flags().IntVar(&recentN, "n", 10, "number of memories")
	root.AddCommand(recentCmd)

	root.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a memory by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := store.ParseID(args[0])
			if err != nil {
				return errs.NewValidation("id", err.Error())
			}
			e, err := open()
			if err != nil {
				return err
			}
			defer e.Close()

			ok, err := e.Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.Close()

			s, err := e.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				b, _ := json.MarshalIndent(s, "", "  ")
				fmt.Println(string(b))
				return nil
			}
			fmt.Printf("backend:        %s\n", s.Backend)
			fmt.Printf("total vectors:  %d\n", s.TotalVectors)
			for c, n := range s.PerCollection {
				fmt.Printf("  %-20s %d\n", c, n)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "backup <path>",
		Short: "Write a consistent snapshot to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := e.Backup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "export <path>",
		Short: "Stream every memory to path as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := e.ExportJSON(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "memento:", err)
		return exitCodeFor(err)
	}
	return 0
}

// exitCodeFor maps the closed error taxonomy to spec.md §6's exit
// codes. An error that doesn't match any known kind falls through to 1.
func exitCodeFor(err error) int {
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		return 2
	}
	var se *errs.StorageError
	if errors.As(err, &se) {
		return 3
	}
	var ee *errs.EmbeddingError
	if errors.As(err, &ee) {
		return 4
	}
	var te *errs.TimeoutError
	if errors.As(err, &te) {
		return 5
	}
	return 1
}

func printResults(results []query.Result, asJSON bool) {
	if asJSON {
		b, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(b))
		return
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return
	}
	for i, r := range results {
		fmt.Printf("%2d  %.3f  %s  %s\n", i+1, r.Score, r.Memory.ID.String(), r.Memory.Text)
	}
}

func printMemories(rows []store.Memory, asJSON bool) {
	if asJSON {
		b, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(b))
		return
	}
	if len(rows) == 0 {
		fmt.Println("no memories")
		return
	}
	for _, m := range rows {
		fmt.Printf("%s  %s\n", m.ID.String(), m.Text)
	}
}
