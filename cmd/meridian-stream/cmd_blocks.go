package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	llmstream "github.com/haowjy/meridian-stream-go"
)

var blocksJSON bool

func init() {
	rootCmd.AddCommand(blocksCmd)
	blocksCmd.Flags().BoolVar(&blocksJSON, "json", false, "print the message and its blocks as JSON")
}

var blocksCmd = &cobra.Command{
	Use:   "blocks <message-id>",
	Short: "List the persisted blocks of a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		msg, err := a.store.GetMessage(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get message: %w", err)
		}
		list, err := a.store.ListBlocks(ctx, msg.ID)
		if err != nil {
			return fmt.Errorf("list blocks: %w", err)
		}

		if blocksJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Message *llmstream.Message       `json:"message"`
				Blocks  []llmstream.MessageBlock `json:"blocks"`
			}{msg, list})
		}

		fmt.Fprintf(cmd.OutOrStdout(), "message %s  model %s  status %s\n\n", msg.ID, msg.Model, msg.Status)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCONTENT")
		for _, b := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.ID, b.Type, b.Status, summarize(b.Content))
		}
		return w.Flush()
	},
}

func summarize(c llmstream.BlockContent) string {
	switch {
	case c.Error != nil:
		return c.Error.Error()
	case c.ToolCall != nil:
		s := "tool " + c.ToolCall.Name
		if c.ToolResult != nil && c.ToolResult.IsError {
			s += " (error)"
		}
		return s
	case len(c.Images) > 0:
		return fmt.Sprintf("%d image(s)", len(c.Images))
	case c.WebSearch != nil:
		return fmt.Sprintf("%d source(s)", len(c.WebSearch.Results))
	}
	text := strings.Join(strings.Fields(c.Text), " ")
	if len(text) > 60 {
		text = text[:57] + "..."
	}
	return text
}
