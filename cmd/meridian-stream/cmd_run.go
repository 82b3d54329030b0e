package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
	"github.com/haowjy/meridian-stream-go/orchestrator"
)

type promptFlags struct {
	system    string
	maxTokens int
	thinking  string
	topic     string
	jsonOut   bool
}

func (f *promptFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.system, "system", "", "system prompt")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "maximum output tokens (0 uses the provider default)")
	cmd.Flags().StringVar(&f.thinking, "thinking", "", "enable thinking with budget level: low, medium or high")
	cmd.Flags().StringVar(&f.topic, "topic", "cli", "topic id recorded on created messages")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print chunks as JSON lines instead of text")
}

func (f *promptFlags) request(model, prompt string) *llmstream.GenerateRequest {
	params := &llmstream.RequestParams{}
	if f.system != "" {
		params.System = &f.system
	}
	if f.maxTokens > 0 {
		params.MaxTokens = &f.maxTokens
	}
	if f.thinking != "" {
		enabled := true
		params.ThinkingEnabled = &enabled
		params.ThinkingLevel = &f.thinking
	}
	return &llmstream.GenerateRequest{
		Model:    model,
		Messages: []llmstream.PromptMessage{{Role: "user", Text: prompt}},
		Params:   params,
	}
}

var runFlags promptFlags
var runModel string

func init() {
	rootCmd.AddCommand(runCmd)
	runFlags.register(runCmd)
	runCmd.Flags().StringVarP(&runModel, "model", "m", "lorem-fast", "model to stream from")
}

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Stream one prompt into a new assistant message",
	Long:  "Stream one prompt into a new assistant message. The prompt is read from stdin when no argument is given.",
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
		messageID, err := a.newMessage(ctx, runFlags.topic, runModel)
		if err != nil {
			return err
		}

		askID := llmstream.NewAskID()
		stop := cancelOnSignal(a, askID)
		defer stop()

		out := newPrinter(cmd.OutOrStdout(), runFlags.jsonOut, false)
		res, err := a.orchestrator.Run(ctx, orchestrator.TurnRequest{
			AskID:     askID,
			MessageID: messageID,
			Request:   runFlags.request(runModel, prompt),
			OnChunk:   out.handler(""),
		})
		if res != nil {
			printSummary(cmd.ErrOrStderr(), res)
		}
		return exitErr(res, err)
	},
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return prompt, nil
}

// cancelOnSignal cancels askID on the first SIGINT or SIGTERM.
func cancelOnSignal(a *app, askID string) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigs:
			a.logger.Info("cancelling turn", zap.String("signal", sig.String()), zap.String("ask_id", askID))
			a.orchestrator.Cancel(askID)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// printer renders chunks for the terminal. Handlers may be called from
// several turns at once.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	json   bool
	prefix bool
}

func newPrinter(w io.Writer, jsonOut, prefix bool) *printer {
	return &printer{w: w, json: jsonOut, prefix: prefix}
}

func (p *printer) handler(label string) llmstream.ChunkHandler {
	return func(c llmstream.Chunk) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.json {
			line := struct {
				Model string          `json:"model,omitempty"`
				Chunk llmstream.Chunk `json:"chunk"`
			}{Model: label, Chunk: c}
			return json.NewEncoder(p.w).Encode(line)
		}

		tag := ""
		if p.prefix {
			tag = "[" + label + "] "
		}

		switch c.Type {
		case llmstream.ChunkTextDelta:
			if p.prefix {
				_, err := fmt.Fprintf(p.w, "%s%s\n", tag, c.Text)
				return err
			}
			_, err := io.WriteString(p.w, c.Text)
			return err
		case llmstream.ChunkThinkingStart:
			_, err := fmt.Fprintf(p.w, "%s(thinking...)\n", tag)
			return err
		case llmstream.ChunkToolInProgress:
			if c.ToolCall != nil {
				_, err := fmt.Fprintf(p.w, "\n%s[tool %s running]\n", tag, c.ToolCall.Name)
				return err
			}
		case llmstream.ChunkToolComplete:
			if c.ToolCall != nil {
				_, err := fmt.Fprintf(p.w, "\n%s[tool %s done]\n", tag, c.ToolCall.Name)
				return err
			}
		case llmstream.ChunkWebSearchComplete:
			if c.WebSearch != nil {
				_, err := fmt.Fprintf(p.w, "\n%s[%d sources]\n", tag, len(c.WebSearch.Results))
				return err
			}
		case llmstream.ChunkResponseComplete:
			_, err := io.WriteString(p.w, "\n")
			return err
		case llmstream.ChunkTypeError:
			_, err := fmt.Fprintf(p.w, "\n%s[error] %s\n", tag, c.Err.Error())
			return err
		}
		return nil
	}
}

func printSummary(w io.Writer, res *orchestrator.TurnResult) {
	fmt.Fprintf(w, "message %s  model %s  status %s  blocks %d  %s\n",
		res.MessageID, res.Model, res.Status, len(res.Blocks), res.Duration.Round(time.Millisecond))
	if res.Usage != nil {
		fmt.Fprintf(w, "  tokens in %d  out %d  stop %s\n", res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.StopReason)
	}
	if res.Cancelled != nil {
		fmt.Fprintf(w, "  cancelled: %v\n", res.Cancelled)
	}
}
