package mcp

import (
	"github.com/goccy/go-json"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/convoflow/convoflow/pkg/types"
)

// Meta-schema keys stripped from advertised tool input schemas. The
// inference backend's function-calling format rejects schemas that carry
// JSON-Schema metadata keys.
var metaSchemaKeys = map[string]struct{}{
	"$schema":     {},
	"$id":         {},
	"$defs":       {},
	"$comment":    {},
	"$anchor":     {},
	"$vocabulary": {},
}

// convertTool converts an advertised MCP tool into the backend tool shape,
// stripping meta-schema keys and guaranteeing a properties object.
func convertTool(serverName string, src *mcpgo.Tool) types.Tool {
	params := map[string]any{
		"type": "object",
	}

	if len(src.InputSchema.Properties) > 0 {
		params["properties"] = stripMetaKeys(src.InputSchema.Properties)
	} else {
		params["properties"] = map[string]any{}
	}

	if len(src.InputSchema.Required) > 0 {
		params["required"] = src.InputSchema.Required
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		paramsJSON = []byte(`{"type":"object","properties":{}}`)
	}

	return types.Tool{
		Type: "function",
		Function: types.ToolFunction{
			Name:        src.Name,
			Description: src.Description,
			Parameters:  paramsJSON,
			Server:      serverName,
		},
	}
}

// stripMetaKeys removes meta-schema keys from a schema map, descending into
// nested objects and arrays.
func stripMetaKeys(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for key, value := range schema {
		if _, meta := metaSchemaKeys[key]; meta {
			continue
		}
		out[key] = stripMetaValue(value)
	}
	return out
}

func stripMetaValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return stripMetaKeys(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = stripMetaValue(item)
		}
		return out
	default:
		return value
	}
}
