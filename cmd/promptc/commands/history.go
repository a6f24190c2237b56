package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/s33g/promptkit/internal/conversation"
	"github.com/s33g/promptkit/pkg/prompt"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Manage stored conversations used by the history element",
	}

	cmd.PersistentFlags().String("namespace", "default", "conversation namespace")

	cmd.AddCommand(
		newHistoryAddCmd(),
		newHistoryShowCmd(),
		newHistoryListCmd(),
		newHistoryClearCmd(),
		newHistoryDeleteCmd(),
	)

	return cmd
}

// withManager runs fn with a conversation manager connected to Redis.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, a *app, m *conversation.Manager, ns string) error) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ns, _ := cmd.Flags().GetString("namespace")
	return fn(ctx, a, a.manager(client), ns)
}

func newHistoryAddCmd() *cobra.Command {
	var (
		role       string
		name       string
		toolCalls  string
		toolCallID string
		model      string
	)

	cmd := &cobra.Command{
		Use:   "add <conversation> <content>",
		Short: "Append a message, creating the conversation if needed",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := prompt.ParseRole(role)
			if err != nil {
				return err
			}
			msg := conversation.Message{
				Role:       r.String(),
				Name:       name,
				ToolCallID: toolCallID,
				MessageID:  uuid.NewString(),
			}
			if len(args) > 1 {
				msg.Content = args[1]
			}
			if toolCalls != "" {
				if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
					return fmt.Errorf("invalid --tool-calls: %w", err)
				}
			}
			if r == prompt.RoleTool && msg.ToolCallID == "" {
				return errors.New("tool messages need --tool-call-id")
			}

			return withManager(cmd, func(ctx context.Context, a *app, m *conversation.Manager, ns string) error {
				id := args[0]
				conv, err := m.Get(ctx, ns, id)
				if errors.Is(err, conversation.ErrNotFound) {
					conv = &conversation.Conversation{ID: id, Namespace: ns, Model: model, Title: title(msg.Content)}
					if err := m.Create(ctx, *conv); err != nil {
						return err
					}
				} else if err != nil {
					return err
				}

				_, mdl, err := a.cfg.PromptBudget(conv.Model)
				if err != nil {
					return err
				}
				msg.Tokens, err = a.tokenizerFor(a.cfg, mdl, prompt.ModeRaw).CountMessageTokens(ctx, toChatMessage(r, msg))
				if err != nil {
					return err
				}
				if err := m.AddMessage(ctx, ns, id, msg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d tokens\n", msg.MessageID, msg.Tokens)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", "user", "message role: system, user, assistant or tool")
	cmd.Flags().StringVar(&name, "name", "", "author name")
	cmd.Flags().StringVar(&toolCalls, "tool-calls", "", `assistant tool calls as JSON, e.g. [{"id":"c1","name":"grep","arguments":"{}"}]`)
	cmd.Flags().StringVar(&toolCallID, "tool-call-id", "", "tool call answered by a tool message")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model of a new conversation")

	return cmd
}

func toChatMessage(r prompt.Role, m conversation.Message) prompt.ChatMessage {
	msg := prompt.ChatMessage{Role: r, Name: m.Name, ToolCallID: m.ToolCallID}
	if m.Content != "" {
		msg.Content = []prompt.ContentPart{prompt.TextPart{Text: m.Content}}
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, prompt.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return msg
}

// title shortens the first message of a conversation.
func title(content string) string {
	runes := []rune(strings.Join(strings.Fields(content), " "))
	if len(runes) > 60 {
		return strings.TrimSpace(string(runes[:57])) + "..."
	}
	return string(runes)
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation>",
		Short: "Print the stored messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, a *app, m *conversation.Manager, ns string) error {
				conv, err := m.Get(ctx, ns, args[0])
				if err != nil {
					return err
				}
				msgs, err := m.GetMessages(ctx, ns, args[0])
				if err != nil {
					return err
				}

				chat := make([]prompt.ChatMessage, 0, len(msgs))
				for _, msg := range msgs {
					r, err := prompt.ParseRole(msg.Role)
					if err != nil {
						a.logger.Warn().Str("role", msg.Role).Msg("Skipping message with unknown role")
						continue
					}
					chat = append(chat, toChatMessage(r, msg))
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "# %s (%d messages, %d tokens)\n\n", conv.Title, len(chat), conv.TokenCount)
				return writeRaw(out, chat)
			})
		},
	}
}

func newHistoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, a *app, m *conversation.Manager, ns string) error {
				ids, err := m.List(ctx, ns)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, id := range ids {
					conv, err := m.Get(ctx, ns, id)
					if err != nil {
						a.logger.Warn().Err(err).Str("conversation", id).Msg("Skipping unreadable conversation")
						continue
					}
					fmt.Fprintf(out, "%-24s %s  %6d tokens  %s\n",
						conv.ID, conv.UpdatedAt.Format(time.DateTime), conv.TokenCount, conv.Title)
				}
				return nil
			})
		},
	}
}

func newHistoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <conversation>",
		Short: "Remove every message of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, a *app, m *conversation.Manager, ns string) error {
				return m.ClearMessages(ctx, ns, args[0])
			})
		},
	}
}

func newHistoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation>...",
		Short: "Delete conversations and their messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, a *app, m *conversation.Manager, ns string) error {
				for _, id := range args {
					if err := m.Delete(ctx, ns, id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

