package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/insights/pkg/config"
	"github.com/malbeclabs/insights/pkg/model"
	"github.com/malbeclabs/insights/pkg/server"
	"github.com/malbeclabs/insights/pkg/validate"
)

type AskCmd struct {
	cfg *config.Config
}

func NewAskCmd(cfg *config.Config) *AskCmd {
	return &AskCmd{cfg: cfg}
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question, or start an interactive session when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := cmd.Flags().GetString("session")
			if err != nil {
				return fmt.Errorf("failed to get session flag: %w", err)
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a, err := newApp(ctx, newLogger(c.cfg), c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				resp, err := a.pipeline.Ask(ctx, sessionID, args[0])
				if err != nil {
					return err
				}
				return printResponse(out, resp, asJSON)
			}
			return repl(ctx, a.pipeline, cmd.InOrStdin(), out, sessionID, asJSON)
		},
	}
	cmd.Flags().String("session", "", "session id to continue (a new one is generated when empty)")
	cmd.Flags().Bool("json", false, "print responses as JSON")
	return cmd
}

// repl reads one question per line and keeps a single session across them.
func repl(ctx context.Context, asker server.Asker, in io.Reader, out io.Writer, sessionID string, asJSON bool) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		question := strings.TrimSpace(scanner.Text())
		switch question {
		case "":
			fmt.Fprint(out, "> ")
			continue
		case "exit", "quit":
			return nil
		}

		resp, err := asker.Ask(ctx, sessionID, question)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		sessionID = resp.SessionID
		if err := printResponse(out, resp, asJSON); err != nil {
			return err
		}
		fmt.Fprint(out, "\n> ")
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

func printResponse(w io.Writer, resp *model.Response, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	switch resp.Kind {
	case model.ResponseInsight:
		fmt.Fprintln(w, resp.Narrative)
	default:
		fmt.Fprintln(w, resp.Message)
	}
	for _, c := range resp.Caveats {
		fmt.Fprintf(w, "* %s\n", c)
	}
	if len(resp.Columns) > 0 {
		fmt.Fprintln(w)
		table := newTable(w, resp.Columns)
		for _, row := range resp.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = formatCell(v)
			}
			table.Append(cells)
		}
		table.Render()
		if resp.Truncated {
			fmt.Fprintf(w, "(first %d rows shown)\n", len(resp.Rows))
		}
	}
	fmt.Fprintf(w, "[session %s, %s]\n", resp.SessionID, resp.State)
	return nil
}

func formatCell(v any) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.2f", f)
	}
	return validate.FormatLabel(v)
}
