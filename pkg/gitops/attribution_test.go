package gitops

import "testing"

func TestStripAttribution(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "clean message untouched",
			in:   "Fix parser edge case\n\nHandles empty input.",
			want: "Fix parser edge case\n\nHandles empty input.",
		},
		{
			name: "robot trailer removed",
			in:   "Add feature\n\n🤖 Generated with [Claude Code](https://claude.com/claude-code)\n\nCo-Authored-By: Claude <noreply@anthropic.com>",
			want: "Add feature",
		},
		{
			name: "plain generated-with removed",
			in:   "Add feature\n\nGenerated with [Claude Code](https://claude.com/claude-code)",
			want: "Add feature",
		},
		{
			name: "co-authored-by only",
			in:   "Fix bug\n\nCo-Authored-By: Claude Opus <noreply@anthropic.com>",
			want: "Fix bug",
		},
		{
			name: "human co-author kept",
			in:   "Fix bug\n\nCo-Authored-By: Ada Lovelace <ada@example.com>",
			want: "Fix bug\n\nCo-Authored-By: Ada Lovelace <ada@example.com>",
		},
		{
			name: "blank runs collapsed",
			in:   "Subject\n\n🤖 Generated with tool\n\n\nBody text",
			want: "Subject\n\nBody text",
		},
		{
			name: "empty after strip",
			in:   "🤖 Generated with [Claude Code](https://claude.com/claude-code)",
			want: "",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := StripAttribution(c.in); got != c.want {
				t.Errorf("StripAttribution(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}
