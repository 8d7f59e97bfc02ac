package acp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindBalancedJSON(t *testing.T) {
	cases := []struct {
		name  string
		line  string
		want  string
		found bool
	}{
		{
			name:  "clean json",
			line:  `{"jsonrpc":"2.0","id":1}`,
			want:  `{"jsonrpc":"2.0","id":1}`,
			found: true,
		},
		{
			name:  "log noise prefix",
			line:  `[info] starting up {"jsonrpc":"2.0","id":1}`,
			want:  `{"jsonrpc":"2.0","id":1}`,
			found: true,
		},
		{
			name:  "trailing noise",
			line:  `{"jsonrpc":"2.0","id":1} extra garbage`,
			want:  `{"jsonrpc":"2.0","id":1}`,
			found: true,
		},
		{
			name:  "brace inside string",
			line:  `{"jsonrpc":"2.0","params":{"text":"a { b } c"}}`,
			want:  `{"jsonrpc":"2.0","params":{"text":"a { b } c"}}`,
			found: true,
		},
		{
			name:  "escaped quote before brace",
			line:  `{"text":"quote \" then }"}`,
			want:  `{"text":"quote \" then }"}`,
			found: true,
		},
		{
			name:  "no braces",
			line:  `not json at all`,
			found: false,
		},
		{
			name:  "unbalanced",
			line:  `{"a":1`,
			found: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := findBalancedJSON([]byte(tc.line))
			assert.Equal(t, tc.found, ok)
			if tc.found {
				assert.Equal(t, tc.want, string(got))
			}
		})
	}
}
