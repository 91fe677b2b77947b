package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ParsedLine
	}{
		{
			name: "command only",
			raw:  "quit",
			want: ParsedLine{Raw: "quit", Name: "QUIT"},
		},
		{
			name: "command with metadata",
			raw:  "JOIN #go #irc",
			want: ParsedLine{Raw: "JOIN #go #irc", Name: "JOIN", Metadata: "#go #irc"},
		},
		{
			name: "metadata and trailing content",
			raw:  "PRIVMSG #go :hello there",
			want: ParsedLine{Raw: "PRIVMSG #go :hello there", Name: "PRIVMSG", Metadata: "#go", Content: "hello there", HasContent: true},
		},
		{
			name: "trailing content only",
			raw:  "AWAY :gone fishing",
			want: ParsedLine{Raw: "AWAY :gone fishing", Name: "AWAY", Content: "gone fishing", HasContent: true},
		},
		{
			name: "empty trailing content",
			raw:  "AWAY :",
			want: ParsedLine{Raw: "AWAY :", Name: "AWAY", HasContent: true},
		},
		{
			name: "colon inside content is preserved",
			raw:  "PRIVMSG alice :see: this",
			want: ParsedLine{Raw: "PRIVMSG alice :see: this", Name: "PRIVMSG", Metadata: "alice", Content: "see: this", HasContent: true},
		},
		{
			name: "lowercase command uppercased",
			raw:  "nick bob",
			want: ParsedLine{Raw: "nick bob", Name: "NICK", Metadata: "bob"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.raw)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLineEmpty(t *testing.T) {
	_, err := ParseLine("")
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestParseLineRoundTrip(t *testing.T) {
	raw := "KICK #go bob :enough"
	p, err := ParseLine(raw)
	assert.NoError(t, err)
	assert.Equal(t, raw, p.Name+" "+p.Metadata+" :"+p.Content)
	assert.Equal(t, raw, p.Raw)
}

func TestParseModeDelta(t *testing.T) {
	tests := []struct {
		delta   string
		added   []rune
		removed []rune
	}{
		{"+ov", []rune{'o', 'v'}, nil},
		{"-v", nil, []rune{'v'}},
		{"+i", []rune{'i'}, nil},
		{"x", nil, nil},
		{"*ab", nil, nil},
		{"", nil, nil},
		{"+", nil, nil},
	}
	for _, tt := range tests {
		added, removed := ParseModeDelta(tt.delta)
		assert.Equal(t, tt.added, added, "added for %q", tt.delta)
		assert.Equal(t, tt.removed, removed, "removed for %q", tt.delta)
	}
}

func TestFirstToken(t *testing.T) {
	assert.Equal(t, "alice", firstToken("alice 0 * real"))
	assert.Equal(t, "alice", firstToken("alice"))
	assert.Equal(t, "", firstToken(""))
}
