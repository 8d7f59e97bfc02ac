package streamjson

import "strings"

// toolNameMap is the driver-local tool-name normalization table. Adding a
// new vendor tool alias is a table edit here, not a new switch arm in the
// translation path.
var toolNameMap = map[string]string{
	"Bash":                   "shell",
	"Read":                   "read-file",
	"Write":                  "write-file",
	"Edit":                   "edit-file",
	"Glob":                   "glob",
	"Grep":                   "grep",
	"WebSearch":              "web-search",
	"WebFetch":               "web-fetch",
	"Task":                   "task",
	"delegate_task_to_agent": "task",
}

// mapToolName applies the Stream-JSON tool-name normalization: strips
// mcp__<server>__<name> prefixes down to <name>, then looks the (possibly
// stripped) name up in toolNameMap, falling back to the name unchanged.
func mapToolName(name string) string {
	if stripped, ok := stripMCPPrefix(name); ok {
		name = stripped
	}
	if mapped, ok := toolNameMap[name]; ok {
		return mapped
	}
	return name
}

// stripMCPPrefix strips an "mcp__<server>__" prefix from name, returning
// the bare tool name and true if the prefix was present.
func stripMCPPrefix(name string) (string, bool) {
	const prefix = "mcp__"
	if !strings.HasPrefix(name, prefix) {
		return name, false
	}
	rest := name[len(prefix):]
	idx := strings.Index(rest, "__")
	if idx < 0 {
		return name, false
	}
	return rest[idx+2:], true
}
