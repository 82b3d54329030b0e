package main

import (
	"fmt"

	"github.com/spf13/cobra"

	llmstream "github.com/haowjy/meridian-stream-go"
	"github.com/haowjy/meridian-stream-go/orchestrator"
)

var fanoutFlags promptFlags
var fanoutModels []string

func init() {
	rootCmd.AddCommand(fanoutCmd)
	fanoutFlags.register(fanoutCmd)
	fanoutCmd.Flags().StringArrayVarP(&fanoutModels, "model", "m", nil, "model to stream from (repeat for several)")
	_ = fanoutCmd.MarkFlagRequired("model")
}

var fanoutCmd = &cobra.Command{
	Use:   "fanout [prompt]",
	Short: "Stream one prompt to several models at once",
	Long: "Stream one prompt to several models concurrently, one assistant message per model. " +
		"All turns share one ask id, so an interrupt cancels every turn.",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := readPrompt(args, cmd.InOrStdin())
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		out := newPrinter(cmd.OutOrStdout(), fanoutFlags.jsonOut, true)

		reqs := make([]orchestrator.TurnRequest, 0, len(fanoutModels))
		for _, model := range fanoutModels {
			messageID, err := a.newMessage(ctx, fanoutFlags.topic, model)
			if err != nil {
				return err
			}
			reqs = append(reqs, orchestrator.TurnRequest{
				MessageID: messageID,
				Request:   fanoutFlags.request(model, prompt),
				OnChunk:   out.handler(model),
			})
		}

		askID := llmstream.NewAskID()
		stop := cancelOnSignal(a, askID)
		defer stop()

		results, runErr := a.orchestrator.FanOut(ctx, askID, reqs)

		w := cmd.ErrOrStderr()
		var failed int
		for i, res := range results {
			if res == nil {
				fmt.Fprintf(w, "%s: no result\n", fanoutModels[i])
				failed++
				continue
			}
			printSummary(w, res)
			if res.Error != nil {
				failed++
			}
		}
		if runErr != nil {
			return runErr
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d turns failed", failed, len(results))
		}
		return nil
	},
}
