package provider

import (
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// ClassifyTool maps a provider tool name plus its raw input to the
// kind-specific detail the clients render. Unrecognized tools keep
// their raw input under ToolDetailUnknown.
func ClassifyTool(name string, input map[string]any) protocol.ToolDetail {
	switch name {
	case "Bash", "shell", "bash", "local_shell":
		return protocol.ToolDetail{
			Kind:        protocol.ToolDetailShell,
			Command:     stringField(input, "command"),
			Description: stringField(input, "description"),
		}
	case "Read", "read":
		return protocol.ToolDetail{
			Kind: protocol.ToolDetailRead,
			Path: stringField(input, "file_path", "filePath", "path"),
		}
	case "Edit", "NotebookEdit", "edit", "apply_patch", "patch":
		return protocol.ToolDetail{
			Kind: protocol.ToolDetailEdit,
			Path: stringField(input, "file_path", "filePath", "path"),
		}
	case "Write", "write":
		return protocol.ToolDetail{
			Kind: protocol.ToolDetailWrite,
			Path: stringField(input, "file_path", "filePath", "path"),
		}
	case "Grep", "grep":
		return protocol.ToolDetail{
			Kind:  protocol.ToolDetailSearch,
			Query: stringField(input, "pattern", "query"),
			Path:  stringField(input, "path"),
		}
	case "Glob", "glob", "list", "WebSearch", "websearch":
		return protocol.ToolDetail{
			Kind:  protocol.ToolDetailSearch,
			Query: stringField(input, "pattern", "query"),
			Path:  stringField(input, "path"),
		}
	case "Task", "task":
		return protocol.ToolDetail{
			Kind:        protocol.ToolDetailSubAgent,
			Description: stringField(input, "description", "prompt"),
		}
	default:
		return protocol.ToolDetail{
			Kind: protocol.ToolDetailUnknown,
			Raw:  input,
		}
	}
}

// stringField returns the first present string value among keys.
func stringField(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := input[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
