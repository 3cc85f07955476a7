package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/insights/pkg/metrics"
	"github.com/malbeclabs/insights/pkg/model"
)

type AskInput struct {
	Question  string `json:"question" jsonschema:"the analytical question in plain language"`
	SessionID string `json:"session_id,omitempty" jsonschema:"session id returned by a previous answer, for follow-up questions"`
}

func RegisterAskTool(log *slog.Logger, server *mcp.Server, asker Asker, name string, description string) error {
	req, err := jsonschema.For[AskInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask input schema: %w", err)
	}

	res, err := jsonschema.For[model.Response](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, model.Response, error) {
		startTime := time.Now()
		log.Debug("mcp/tool: handling ask", "session_id", in.SessionID, "question", in.Question)

		out, err := handleAsk(ctx, asker, in)
		duration := time.Since(startTime).Seconds()
		metrics.ToolCallDuration.WithLabelValues(name).Observe(duration)
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			return nil, model.Response{}, err
		}
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
		return nil, out, nil
	})
	return nil
}

func handleAsk(ctx context.Context, asker Asker, in AskInput) (model.Response, error) {
	if strings.TrimSpace(in.Question) == "" {
		return model.Response{}, errors.New("question is required")
	}
	resp, err := asker.Ask(ctx, in.SessionID, in.Question)
	if err != nil {
		return model.Response{}, fmt.Errorf("failed to answer question: %w", err)
	}
	return *resp, nil
}
