package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/models"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Fetch a page of chat history",
		Long: "Fetch messages from the history API. By default the latest page is shown; " +
			"--before, --after and --around select a page relative to a message id.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, flags)
		},
	}
	cmd.Flags().Int64("before", 0, "messages older than this id")
	cmd.Flags().Int64("after", 0, "messages newer than this id")
	cmd.Flags().Int64("around", 0, "messages around this id")
	cmd.Flags().Int("limit", 0, "page size (default engine.page_size)")
	cmd.Flags().Bool("json", false, "print messages as JSON")
	cmd.MarkFlagsMutuallyExclusive("before", "after", "around")
	return cmd
}

func runHistory(cmd *cobra.Command, flags *globalFlags) error {
	cfg, _, closeLog, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer closeLog()

	before, _ := cmd.Flags().GetInt64("before")
	after, _ := cmd.Flags().GetInt64("after")
	around, _ := cmd.Flags().GetInt64("around")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if limit <= 0 {
		limit = cfg.Engine.PageSize
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Backend.RequestTimeout)
	defer cancel()

	msgs, err := fetchHistory(ctx, cfg, before, after, around, limit)
	if err != nil {
		return Exitf(ExitCodeFailure, "fetch history: %v", err)
	}

	if jsonOutput {
		payload, err := json.MarshalIndent(msgs, "", "  ")
		if err != nil {
			return Exitf(ExitCodeFailure, "encode messages: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(payload))
		return nil
	}
	return writeTable(cmd.OutOrStdout(), []string{"ID", "TIME", "AUTHOR", "MESSAGE"}, messageRows(msgs))
}

func fetchHistory(ctx context.Context, cfg *config.Config, before, after, around int64, limit int) ([]models.Message, error) {
	client := newHistoryClient(cfg)
	switch {
	case before > 0:
		return client.FetchBefore(ctx, before, limit)
	case after > 0:
		return client.FetchAfter(ctx, after, limit)
	case around > 0:
		half := limit / 2
		win, err := client.FetchContext(ctx, around, half, limit-half)
		if err != nil {
			return nil, err
		}
		return win.Messages, nil
	default:
		return client.FetchRecent(ctx, limit)
	}
}

func messageRows(msgs []models.Message) [][]string {
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if m.IsDeleted {
			content = "(deleted)"
		}
		rows = append(rows, []string{
			strconv.FormatInt(m.ID, 10),
			time.Unix(m.Timestamp, 0).Format("2006-01-02 15:04"),
			displayName(m.Nickname, m.AuthorID),
			truncate(content, 80),
		})
	}
	return rows
}
