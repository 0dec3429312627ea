// ABOUTME: Subcommands of the convstore CLI
// ABOUTME: migrate, conversations, stats, verify and kb

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/convstore/internal/clock"
	"github.com/2389/convstore/internal/conversation"
	"github.com/2389/convstore/internal/knowledge"
	"github.com/2389/convstore/internal/stats"
	"github.com/2389/convstore/internal/store"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the store already brought the schema up to date
			green := color.New(color.FgGreen)
			green.Fprintf(cmd.OutOrStdout(), "✓ Schema is up to date (%s)\n", a.cfg.Database.Driver)
			return nil
		},
	}
}

func newConversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect conversations",
	}

	var params store.ListConversationsParams
	var order string
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params.OrderBy = store.ConversationOrder(order)
			convs, err := a.store.ListConversations(cmd.Context(), params)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(convs) == 0 {
				color.New(color.FgYellow).Fprintln(out, "No conversations")
				return nil
			}

			cyan := color.New(color.FgCyan)
			cyan.Fprintf(out, "Conversations (%d):\n\n", len(convs))

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMODEL\tMESSAGES\tARCHIVED\tUPDATED")
			for _, c := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\n",
					c.ID, truncate(c.Title, 40), c.Model, c.MessageCount, c.Archived,
					c.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&params.Limit, "limit", 50, "maximum conversations to show")
	list.Flags().IntVar(&params.Offset, "offset", 0, "conversations to skip")
	list.Flags().StringVar(&order, "order", string(store.OrderByUpdatedAt), "sort key: updated_at or created_at")
	list.Flags().BoolVar(&params.IncludeArchived, "archived", false, "include archived conversations")

	var historyOpts conversation.HistoryOptions
	history := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation as LLM chat messages (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := conversation.New(a.store, nil, a.logger)
			messages, err := svc.History(cmd.Context(), args[0], historyOpts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(messages)
		},
	}
	history.Flags().IntVar(&historyOpts.Limit, "limit", 0, "only the most recent N messages (0 for all)")
	history.Flags().BoolVar(&historyOpts.IncludeSystem, "include-system", false, "include system messages")

	cmd.AddCommand(list, history)
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var recount bool
	cmd := &cobra.Command{
		Use:   "stats <conversation-id>",
		Short: "Show message and execution statistics for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agg := stats.NewAggregator(a.store, a.logger)

			var st *store.ConversationStats
			var err error
			if recount {
				st, err = agg.Recompute(cmd.Context(), args[0])
			} else {
				st, err = agg.GetConversationStats(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			cyan := color.New(color.FgCyan)
			cyan.Fprintf(out, "Conversation %s\n", st.ConversationID)
			fmt.Fprintf(out, "  Messages:          %d\n", st.MessageCount)
			fmt.Fprintf(out, "  Agent executions:  %d (%d failed)\n", st.AgentExecutionsCount, st.FailedExecutionsCount)
			fmt.Fprintf(out, "  Tool executions:   %d\n", st.ToolExecutionsCount)
			if st.LastMessageAt != nil {
				fmt.Fprintf(out, "  Last message:      %s\n", st.LastMessageAt.Format(time.RFC3339))
			} else {
				fmt.Fprintf(out, "  Last message:      -\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&recount, "recount", false, "count messages from the rows instead of the maintained counter")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var repair, watch bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every conversation's message counter against its rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			checker := stats.NewChecker(a.store, stats.CheckerConfig{
				Interval:          a.cfg.Stats.CheckInterval,
				Repair:            repair || a.cfg.Stats.Repair,
				ReportSuppression: a.cfg.Stats.ReportSuppression,
			}, clock.System(), a.logger)

			if watch {
				return checker.Run(cmd.Context())
			}

			report, err := checker.CheckAll(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			yellow := color.New(color.FgYellow)
			for _, d := range report.Drifted {
				yellow.Fprintf(out, "! %s: counter %d, rows %d\n",
					d.ConversationID, d.Maintained.MessageCount, d.Recomputed.MessageCount)
			}

			green := color.New(color.FgGreen)
			green.Fprintf(out, "✓ Checked %d conversations: %d drifted, %d repaired, %d errors\n",
				report.Checked, len(report.Drifted), report.Repaired, report.Errors)
			if report.Errors > 0 {
				return fmt.Errorf("%d conversations could not be checked", report.Errors)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "overwrite drifted counters with the row count")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep checking every stats.check_interval until interrupted")
	return cmd
}

func newKBCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge base metadata",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List knowledge bases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kbs, err := knowledge.NewRegistry(a.store, nil, a.logger).List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(kbs) == 0 {
				color.New(color.FgYellow).Fprintln(out, "No knowledge bases")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCOLLECTION\tEMBEDDING MODEL\tDOCUMENTS\tUPDATED")
			for _, kb := range kbs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					kb.Name, kb.CollectionName, dash(kb.EmbeddingModel), kb.DocumentCount,
					kb.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	var params store.KnowledgeBaseUpsert
	var metadata string
	upsert := &cobra.Command{
		Use:   "upsert <name>",
		Short: "Register a knowledge base or update its description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Name = args[0]
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &params.Metadata); err != nil {
					return fmt.Errorf("parsing --metadata: %w", err)
				}
			}

			kb, err := knowledge.NewRegistry(a.store, nil, a.logger).Register(cmd.Context(), params)
			if err != nil {
				return err
			}
			green := color.New(color.FgGreen)
			green.Fprintf(cmd.OutOrStdout(), "✓ Knowledge base %s -> %s\n", kb.Name, kb.CollectionName)
			return nil
		},
	}
	upsert.Flags().StringVar(&params.CollectionName, "collection", "", "external collection name (required)")
	upsert.Flags().StringVar(&params.Description, "description", "", "description")
	upsert.Flags().StringVar(&params.EmbeddingModel, "embedding-model", "", "embedding model")
	upsert.Flags().StringVar(&metadata, "metadata", "", "metadata as a JSON object")
	_ = upsert.MarkFlagRequired("collection")

	cmd.AddCommand(list, upsert)
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
