package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dbt-labs/dbt-mcp/internal/config"
	"github.com/dbt-labs/dbt-mcp/internal/lsp"
	"go.uber.org/zap"
)

const ToolGetColumnLineage = "get_column_lineage"

const columnLineageDescription = `Get the column-level lineage of a column in a dbt model.

Returns the upstream and downstream nodes that read or produce the column,
as resolved by the dbt language server for the local project. The first call
may wait for the project to compile.`

var columnLineageSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "model_id": {
      "type": "string",
      "description": "The unique ID of the model, e.g. model.jaffle_shop.customers"
    },
    "column_name": {
      "type": "string",
      "description": "The column to trace"
    }
  },
  "required": ["model_id", "column_name"]
}`)

type columnLineageArgs struct {
	ModelID    string `json:"model_id"`
	ColumnName string `json:"column_name"`
}

// lspTools returns the tools backed by the dbt language server.
func lspTools(clients lsp.ClientProvider, logger *zap.Logger) []Tool {
	return []Tool{
		{
			Name:        ToolGetColumnLineage,
			Toolset:     config.ToolsetDbtLSP,
			Description: columnLineageDescription,
			InputSchema: columnLineageSchema,
			Annotations: &ToolAnnotations{
				Title:          "Get Column Lineage",
				ReadOnlyHint:   true,
				IdempotentHint: true,
			},
			Handler: func(ctx context.Context, arguments json.RawMessage) (*ToolCallResult, error) {
				var args columnLineageArgs
				if len(arguments) > 0 {
					if err := json.Unmarshal(arguments, &args); err != nil {
						return nil, fmt.Errorf("invalid arguments: %w", err)
					}
				}
				if args.ModelID == "" || args.ColumnName == "" {
					return nil, errors.New("model_id and column_name are required")
				}
				result, failure := getColumnLineage(ctx, clients, args.ModelID, args.ColumnName)
				if failure != "" {
					logger.Debug("column lineage failed",
						zap.String("model_id", args.ModelID),
						zap.String("column_name", args.ColumnName),
						zap.String("error", failure))
					return errorResult(failure), nil
				}
				return jsonResult(result)
			},
		},
	}
}

// getColumnLineage returns the lineage result, or a user-facing failure
// message when there is none.
func getColumnLineage(ctx context.Context, clients lsp.ClientProvider, modelID, columnName string) (map[string]any, string) {
	client, err := clients.GetClient(ctx)
	if err != nil {
		return nil, lineageFailure(err)
	}

	result, err := client.GetColumnLineage(ctx, modelID, columnName)
	if err != nil {
		return nil, lineageFailure(err)
	}

	if msg, ok := result["error"]; ok {
		return nil, fmt.Sprintf("LSP error: %v", msg)
	}
	if nodes, ok := result["nodes"].([]any); !ok || len(nodes) == 0 {
		return nil, "No column lineage found"
	}
	return result, ""
}

func lineageFailure(err error) string {
	var respErr *lsp.ResponseError
	switch {
	case errors.Is(err, lsp.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout waiting for column lineage"
	case errors.As(err, &respErr):
		return "LSP error: " + respErr.Message
	default:
		return fmt.Sprintf("Failed to get column lineage: %v", err)
	}
}
