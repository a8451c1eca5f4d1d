package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLenientJSON(t *testing.T) {
	type out struct {
		Title      string  `json:"title"`
		Confidence float64 `json:"confidence"`
	}

	tests := []struct {
		name    string
		raw     string
		want    out
		wantErr bool
	}{
		{
			name: "plain object",
			raw:  `{"title":"Sonata","confidence":92}`,
			want: out{Title: "Sonata", Confidence: 92},
		},
		{
			name: "fenced with language tag",
			raw:  "```json\n{\"title\":\"Sonata\",\"confidence\":92}\n```",
			want: out{Title: "Sonata", Confidence: 92},
		},
		{
			name: "prose around the object",
			raw:  "Here is the metadata you asked for:\n{\"title\":\"Sonata\",\"confidence\":92}\nLet me know if you need more.",
			want: out{Title: "Sonata", Confidence: 92},
		},
		{
			name: "nested braces inside strings",
			raw:  `{"title":"Allegro {con brio}","confidence":88}`,
			want: out{Title: "Allegro {con brio}", Confidence: 88},
		},
		{
			name: "trailing comma repaired",
			raw:  `{"title":"Sonata","confidence":92,}`,
			want: out{Title: "Sonata", Confidence: 92},
		},
		{
			name: "unterminated object repaired",
			raw:  `{"title":"Sonata","confidence":92`,
			want: out{Title: "Sonata", Confidence: 92},
		},
		{
			name:    "no object at all",
			raw:     "I could not read the document.",
			wantErr: true,
		},
		{
			name:    "array is rejected as non-object",
			raw:     `["a","b"]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got out
			err := ParseLenientJSON(tt.raw, &got)
			if tt.wantErr {
				var pe *ParseError
				require.ErrorAs(t, err, &pe)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSONObjectTakesFirstBalanced(t *testing.T) {
	got, err := extractJSONObject(`noise {"a":1} {"b":2}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, got)
}

func TestRepairJSONClosesNesting(t *testing.T) {
	got := repairJSON(`{"a":{"b":[1,2`)
	assert.Equal(t, `{"a":{"b":[1,2]}}`, got)
}
