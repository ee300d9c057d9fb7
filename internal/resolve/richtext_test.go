package resolve

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeRichText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Write about {topic}", "Write about {topic}"},
		{"trimmed", "  \n hello \n ", "hello"},
		{"line breaks kept", "line one\nline two", "line one\nline two"},
		{"br", "one<br>two<br/>three", "one\ntwo\nthree"},
		{"paragraphs", "<p>Hello</p><p>World</p>", "Hello\nWorld"},
		{"blank runs collapsed", "<p>a</p><p><br></p><p><br></p><p>b</p>", "a\n\nb"},
		{"plain blank runs collapsed", "a\n\n\n\n\nb", "a\n\nb"},
		{"entities decoded", "Tom &amp; Jerry&nbsp;{x}", "Tom & Jerry {x}"},
		{"inline markup dropped", "<p>Use <strong>{tone}</strong> tone</p>", "Use {tone} tone"},
		{"list items", "<ul><li>one</li><li>two</li></ul>", "one\ntwo"},
		{"script ignored", "<p>ok</p><script>alert(1)</script>", "ok"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, NormalizeRichText(tc.in))
		})
	}
}
