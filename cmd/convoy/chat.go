package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/convoyai/convoy/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent on the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.shutdown(context.Background())

			mgr, err := rt.manager(func(_ context.Context, _, text string) error {
				fmt.Printf("agent> %s\n", text)
				return nil
			})
			if err != nil {
				return err
			}
			en, err := mgr.Engine(ctx, conversationID)
			if err != nil {
				return err
			}

			fmt.Println("Type a message; Ctrl-D or /quit to exit.")
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("you> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" {
					break
				}

				event := models.NewEvent(models.EventLLMInputItem, map[string]any{
					"type": "message",
					"role": "developer",
					"content": []any{
						map[string]any{"type": "input_text", "text": "User message: " + line},
					},
				})
				event.TriggerLLMRequest = true
				if _, err := en.AddEvents(ctx, event); err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}
				waitForIdle(ctx, en)
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "local", "Conversation id")
	return cmd
}

// waitForIdle blocks until the engine has no live LLM request. Tool-trigger
// chains keep the request live across turns, so polling the lifecycle state
// is sufficient.
func waitForIdle(ctx context.Context, en interface{ LLMRequestInProgress() bool }) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !en.LLMRequestInProgress() {
				return
			}
		}
	}
}
