package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matheus3301/farmchat/internal/client"
)

var localeFlag string

func init() {
	resolveCmd.Flags().StringVar(&localeFlag, "locale", "", "BCP 47 locale used to guess the region of local numbers")
	rootCmd.AddCommand(resolveCmd)
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <phone>",
	Short: "Normalize a phone number into call and WhatsApp targets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			h, err := c.ResolveContact(ctx, args[0], localeFlag)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(h)
				return nil
			}
			fmt.Printf("E.164:    %s\n", h.E164)
			fmt.Printf("Call:     %s\n", h.Dial)
			fmt.Printf("WhatsApp: %s\n", h.WhatsApp)
			fmt.Printf("JID:      %s\n", h.JID)
			return nil
		})
	},
}
