package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string
	}{
		{"plain object", `{"items": []}`, "items"},
		{"fenced block", "```json\n{\"score\": 71}\n```", "score"},
		{"fenced block with trailing prose", "```json\n{\"score\": 71}\n```\n\nLet me know if you need more.", "score"},
		{"prose before object", "Here is the analysis:\n{\"steps\": [\"send deck\"]}", "steps"},
		{"line comments", "{\n  \"items\": [\n    \"budget\", // raised twice\n    \"timing\"\n  ]\n}", "items"},
		{"trailing commas", "{\"items\": [\"a\", \"b\",],}", "items"},
		{"url inside string", `{"source": "https://example.com/notes"} // trailing`, "source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ExtractJSON(tt.input)
			require.NotEmpty(t, out)

			var decoded map[string]any
			require.NoError(t, json.Unmarshal([]byte(out), &decoded), "output: %s", out)
			assert.Contains(t, decoded, tt.wantKey)
		})
	}
}

func TestExtractJSON_NoObject(t *testing.T) {
	assert.Empty(t, ExtractJSON("I could not find any objections in this call."))
	assert.Empty(t, ExtractJSON(""))
}

func TestStripLineComment(t *testing.T) {
	assert.Equal(t, `"a": "b",`, stripLineComment(`"a": "b",   // note`))
	assert.Equal(t, `"url": "http://x/y"`, stripLineComment(`"url": "http://x/y"`))
	assert.Equal(t, `"q": "say \"//\" twice"`, stripLineComment(`"q": "say \"//\" twice"`))
}
