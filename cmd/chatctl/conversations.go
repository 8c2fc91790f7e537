package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/farmchat/internal/chat"
	"github.com/matheus3301/farmchat/internal/client"
	"github.com/matheus3301/farmchat/internal/room"
)

var (
	listingFlag string
	refreshFlag bool
)

func init() {
	listCmd.Flags().BoolVar(&refreshFlag, "refresh", false, "wait for a fresh copy from the backend")
	for _, c := range []*cobra.Command{openCmd, showCmd, reloadCmd, sendCmd, typeCmd, closeCmd} {
		c.Flags().StringVar(&listingFlag, "listing", "", "listing the conversation is about")
	}
	rootCmd.AddCommand(listCmd, openCmd, showCmd, reloadCmd, sendCmd, typeCmd, closeCmd, watchCmd)
}

func conversationKey(counterpart string) chat.ConversationKey {
	return chat.ConversationKey{CounterpartID: counterpart, ListingID: listingFlag}
}

var listCmd = &cobra.Command{
	Use:   "list [query]",
	Short: "List recent conversations, optionally filtered",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.ListConversations(ctx, query, refreshFlag)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("[%s]%s\n", resp.State, loadingSuffix(resp.Loading, resp.Error))
			for _, s := range resp.Summaries {
				marker := " "
				if s.Unread {
					marker = "*"
				}
				fmt.Printf("%s %-24s %-16s %s\n", marker, s.Key().String(), s.CounterpartName, s.LastMessage)
			}
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <counterpart>",
	Short: "Mount a conversation in the daemon and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Open(ctx, conversationKey(args[0]))
			if err != nil {
				return err
			}
			printConversation(resp.Snapshot)
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <counterpart>",
	Short: "Print an open conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Get(ctx, conversationKey(args[0]))
			if err != nil {
				return err
			}
			printConversation(resp.Snapshot)
			return nil
		})
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload <counterpart>",
	Short: "Refetch an open conversation, reconnecting it if its channel gave up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Reload(ctx, conversationKey(args[0]))
			if err != nil {
				return err
			}
			printConversation(resp.Snapshot)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <counterpart> <text...>",
	Short: "Send text to an open conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.SendText(ctx, conversationKey(args[0]), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("%s %s\n", resp.Message.DeliveryState, resp.Message.ID)
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			return nil
		})
	},
}

var typeCmd = &cobra.Command{
	Use:   "type <counterpart>",
	Short: "Report a keystroke in an open conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			return c.Keystroke(ctx, conversationKey(args[0]))
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <counterpart>",
	Short: "Unmount a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			closed, err := c.CloseConversation(ctx, conversationKey(args[0]))
			if err != nil {
				return err
			}
			if !closed {
				fmt.Println("Conversation was not open.")
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace := ""
		if len(args) == 1 {
			namespace = args[0]
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		stream, err := c.WatchEvents(ctx, namespace)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(evt)
				continue
			}
			at := time.UnixMilli(evt.OccurredAtUnixMs).Format(time.TimeOnly)
			fmt.Printf("%s %-28s %s\n", at, evt.Kind, evt.Payload)
		}
	},
}

func printConversation(s room.Snapshot) {
	if jsonOutput {
		outputJSON(s)
		return
	}
	name := valueOrDefault(s.Counterpart.Name, s.Key.CounterpartID)
	presence := "offline"
	if s.Presence.Online {
		presence = "online"
	} else if s.Presence.LastSeenAt != nil {
		presence = "last seen " + s.Presence.LastSeenAt.Local().Format(time.DateTime)
	}
	fmt.Printf("%s (%s) channel=%s [%s]%s\n", name, presence, s.Channel, s.State, loadingSuffix(s.Loading, s.Error))
	for _, m := range s.Messages {
		who := name
		if m.Direction == chat.Mine {
			who = "me"
		}
		status := ""
		if m.DeliveryState != "" && m.DeliveryState != chat.Sent {
			status = " (" + string(m.DeliveryState) + ")"
		}
		fmt.Printf("  %s %s: %s%s\n", m.CreatedAt.Local().Format(time.TimeOnly), who, m.Text, status)
	}
	if s.Typing.IsTyping {
		fmt.Printf("  %s is typing...\n", name)
	}
}

func loadingSuffix(loading bool, errText string) string {
	var b strings.Builder
	if loading {
		b.WriteString(" refreshing")
	}
	if errText != "" {
		b.WriteString(" error: " + errText)
	}
	return b.String()
}
