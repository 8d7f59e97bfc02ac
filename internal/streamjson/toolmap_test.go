package streamjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapToolName(t *testing.T) {
	cases := map[string]string{
		"Bash":                      "shell",
		"Read":                      "read-file",
		"Write":                     "write-file",
		"Edit":                      "edit-file",
		"Glob":                      "glob",
		"Grep":                      "grep",
		"WebSearch":                 "web-search",
		"WebFetch":                  "web-fetch",
		"Task":                      "task",
		"delegate_task_to_agent":    "task",
		"mcp__github__create_issue": "create_issue",
		"UnmappedVendorTool":        "UnmappedVendorTool",
		"mcp__no_double_underscore": "mcp__no_double_underscore",
	}

	for in, want := range cases {
		assert.Equal(t, want, mapToolName(in), "input=%s", in)
	}
}
