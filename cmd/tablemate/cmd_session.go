package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/tablemate/internal/state"
	"github.com/user/tablemate/internal/types"
)

var openOnly bool

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionClearCmd)
	sessionListCmd.Flags().BoolVar(&openOnly, "open", false, "only show conversations that are still open")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and delete stored conversations",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)
		events := state.NewEventStore(cfg.DataDir)

		ctx := context.Background()
		list, err := sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tSTATUS\tSTATE\tMESSAGES\tLAST ACTIVITY")
		shown := 0
		for _, s := range list {
			if openOnly && s.Closed() {
				continue
			}
			count, err := events.Count(ctx, s.SessionID)
			if err != nil {
				count = -1
			}
			status := s.Status
			if s.CloseReason != "" {
				status += " (" + s.CloseReason + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				s.SessionID,
				s.SessionKey,
				status,
				s.State,
				count,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
			shown++
		}
		if shown == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		return w.Flush()
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|closed|all>",
	Short: "Delete one conversation, every closed one, or all of them",
	Long: "Delete stored conversations and their message logs. Stop the daemon " +
		"first: it keeps the conversation index in memory while it runs.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		sessions := state.NewSessionStore(cfg.DataDir)

		target := args[0]
		if target != "all" && target != "closed" {
			err := sessions.Delete(ctx, types.SessionID(target))
			if errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("conversation not found: %s", target)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Conversation %s cleared.\n", target)
			return nil
		}

		list, err := sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		n := 0
		for _, s := range list {
			if target == "closed" && !s.Closed() {
				continue
			}
			if err := sessions.Delete(ctx, s.SessionID); err != nil {
				return fmt.Errorf("clear %s: %w", s.SessionID, err)
			}
			n++
		}
		fmt.Fprintf(os.Stdout, "Cleared %d conversations.\n", n)
		return nil
	},
}
