package irc

import (
	"errors"
	"strings"
)

// ErrMalformedLine is returned by ParseLine for input that cannot be framed
// as an IRC command. Connections answer it with an ERROR reply and keep going.
var ErrMalformedLine = errors.New("irc: malformed line")

// ParsedLine is the structured form of one inbound line. It has no identity
// of its own; a new value is produced for every line read.
type ParsedLine struct {
	Raw      string
	Name     string // command name, uppercased
	Metadata string // space-delimited token run before any trailing content, "" if absent
	Content  string // trailing content after the first " :" marker

	// HasContent distinguishes an empty trailing segment ("CMD :") from a
	// line with no trailing segment at all.
	HasContent bool
}

// ParseLine converts one raw line into a ParsedLine.
//
// The grammar: the command name is the text before the first space,
// uppercased. If " :" occurs anywhere after the command name, everything
// after that marker is the trailing content and the tokens between the name
// and the marker are the metadata. Otherwise the whole remainder is metadata.
// Trailing-content detection uses the first occurrence of " :" in the whole
// line, not just within the metadata.
func ParseLine(raw string) (ParsedLine, error) {
	if raw == "" {
		return ParsedLine{}, ErrMalformedLine
	}

	p := ParsedLine{Raw: raw}

	sp := strings.IndexByte(raw, ' ')
	if sp < 0 {
		p.Name = strings.ToUpper(raw)
		return p, nil
	}

	p.Name = strings.ToUpper(raw[:sp])

	if marker := strings.Index(raw, " :"); marker >= 0 {
		p.Content = raw[marker+2:]
		p.HasContent = true
		if marker > sp {
			p.Metadata = raw[sp+1 : marker]
		}
	} else {
		p.Metadata = raw[sp+1:]
	}

	return p, nil
}

// firstToken returns the first space-delimited token of s.
func firstToken(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// ParseModeDelta splits a mode delta of the form [+-]<chars> into added and
// removed flag characters. Anything that does not look like a delta yields
// two empty lists rather than an error.
func ParseModeDelta(delta string) (added, removed []rune) {
	if len(delta) < 2 {
		return nil, nil
	}
	switch delta[0] {
	case '+':
		return []rune(delta[1:]), nil
	case '-':
		return nil, []rune(delta[1:])
	}
	return nil, nil
}
