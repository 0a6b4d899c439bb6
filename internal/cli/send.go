package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tOgg1/chatsync/internal/engine"
	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/models"
)

func newSendCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message and wait for the server to confirm it",
		Long: "Send a message. Without an argument the body is read from piped stdin. " +
			"The command exits once the message is confirmed or has failed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, flags, args)
		},
	}
	cmd.Flags().Int64("reply-to", 0, "id of the message to reply to")
	cmd.Flags().Bool("json", false, "print the confirmed message as JSON")
	return cmd
}

func runSend(cmd *cobra.Command, flags *globalFlags, args []string) error {
	body := ""
	if len(args) > 0 {
		body = args[0]
	} else {
		data, err := readStdinIfPiped()
		if err != nil {
			return Exitf(ExitCodeFailure, "read stdin: %v", err)
		}
		body = data
	}
	if strings.TrimSpace(body) == "" {
		return usageError(cmd, "message body is required")
	}

	cfg, _, closeLog, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.User.ID <= 0 {
		return Exitf(ExitCodeFailure, "user.id must be configured to send")
	}

	replyTo, _ := cmd.Flags().GetInt64("reply-to")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	sess, err := openSession(ctx, cfg, func(c *engine.Config) {
		c.ViewerOpen = false
		c.KeepAlive = true
	})
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = sess.close(shutdownCtx)
	}()

	msg, err := sendAndWait(ctx, sess.engine, body, replyTo)
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}

	if jsonOutput {
		payload, err := json.MarshalIndent(msg, "", "  ")
		if err != nil {
			return Exitf(ExitCodeFailure, "encode message: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(payload))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
	return nil
}

// sendAndWait sends body and blocks until the entry is confirmed or marked
// failed. A failed send is discarded before returning.
func sendAndWait(ctx context.Context, eng *engine.Engine, body string, replyTo int64) (models.Message, error) {
	done := make(chan models.Message, 1)
	var key string
	keyReady := make(chan struct{})

	// The handler runs on the engine loop, so it inspects the snapshot
	// rather than calling back into the engine.
	err := eng.Subscribe("send", events.Filter{Kinds: []events.ChangeKind{events.KindTimeline, events.KindSendFailed}}, func(ev *events.ChangeEvent) {
		select {
		case <-keyReady:
		default:
			return
		}
		for _, m := range ev.Snapshot.Messages {
			if m.StableKey != key {
				continue
			}
			if m.State == models.MessageFailed || (!m.IsOptimistic() && m.State != models.MessageSending) {
				select {
				case done <- m:
				default:
				}
			}
			return
		}
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = eng.Unsubscribe("send") }()

	key, err = eng.Send(ctx, body, replyTo)
	if err != nil {
		return models.Message{}, err
	}
	close(keyReady)

	// The send may have settled before the key was published.
	if m, ok, err := eng.Lookup(ctx, key); err == nil && !ok {
		snap, err := eng.Snapshot(ctx)
		if err == nil {
			for _, cm := range snap.Messages {
				if cm.StableKey == key {
					return cm, nil
				}
			}
		}
	} else if ok && m.State == models.MessageFailed {
		_ = eng.Discard(ctx, key)
		return models.Message{}, fmt.Errorf("send %s failed", key)
	}

	select {
	case m := <-done:
		if m.State == models.MessageFailed {
			_ = eng.Discard(ctx, key)
			return models.Message{}, fmt.Errorf("send %s failed", key)
		}
		return m, nil
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

func readStdinIfPiped() (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
