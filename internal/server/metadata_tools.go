package server

import (
	"context"
	"encoding/json"

	"github.com/dbt-labs/dbt-mcp/internal/config"
)

const ToolGetMCPServerVersion = "get_mcp_server_version"

func metadataTools(version string) []Tool {
	return []Tool{
		{
			Name:        ToolGetMCPServerVersion,
			Toolset:     config.ToolsetMCPServerMetadata,
			Description: "Get the version of the dbt MCP server.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Annotations: &ToolAnnotations{
				Title:          "Get MCP Server Version",
				ReadOnlyHint:   true,
				IdempotentHint: true,
			},
			Handler: func(ctx context.Context, _ json.RawMessage) (*ToolCallResult, error) {
				return textResult(version), nil
			},
		},
	}
}
