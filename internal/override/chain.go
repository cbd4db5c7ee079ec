package override

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// LinkToken separates element descriptions in a chain description
const LinkToken = '!'

var (
	factoryPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_+.\-]*$`)
	keyPattern     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]*$`)
)

// Property is one key=value assignment
type Property struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Descriptor fully specifies one element to instantiate
type Descriptor struct {
	Factory    string     `json:"factory" yaml:"factory"`
	Name       string     `json:"name,omitempty" yaml:"name,omitempty"`
	Properties []Property `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// String renders the descriptor in chain syntax
func (d Descriptor) String() string {
	var b strings.Builder
	b.WriteString(d.Factory)
	if d.Name != "" {
		b.WriteString(" name=")
		b.WriteString(quoteValue(d.Name))
	}
	for _, p := range d.Properties {
		b.WriteByte(' ')
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(quoteValue(p.Value))
	}
	return b.String()
}

// Chain is an ordered list of descriptors; index 0 is the most upstream element
type Chain []Descriptor

// String renders the canonical chain description
func (c Chain) String() string {
	parts := make([]string, len(c))
	for i, d := range c {
		parts[i] = d.String()
	}
	return strings.Join(parts, " ! ")
}

// Names returns the instance names in link order, "" where the engine picks one
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, d := range c {
		names[i] = d.Name
	}
	return names
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsFunc(v, needsQuote) {
		return v
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuote(r rune) bool {
	return unicode.IsSpace(r) || r == LinkToken || r == '"' || r == '\'' || r == '\\'
}

// token is one whitespace-delimited word of an element description after unquoting
type token struct {
	raw       string
	text      string
	offset    int
	eq        int  // index of the first unquoted '=' in text, -1 if none
	keyQuoted bool // a quote opened before eq
	quoted    bool
}

// ParseChain parses a chain description such as
//
//	identity name=myConverter ! videoconvert n-threads=2
//
// Values may be quoted with "..." (supporting \" and \\) or '...'. Quoted text may hold
// whitespace and '!'. An unquoted '!' always ends the current element.
// On error the returned chain is nil.
func ParseChain(description string) (Chain, error) {
	specs, err := tokenize(description)
	if err != nil {
		return nil, err
	}

	chain := make(Chain, 0, len(specs))
	for _, spec := range specs {
		d, err := buildDescriptor(description, spec)
		if err != nil {
			return nil, err
		}
		chain = append(chain, d)
	}
	return chain, nil
}

func tokenize(input string) ([][]token, error) {
	if strings.TrimSpace(input) == "" {
		return nil, &ParseError{Input: input, Offset: 0, Reason: "empty chain description"}
	}

	var (
		specs   [][]token
		current []token
		linkAt  = -1
	)

	if !utf8.ValidString(input) {
		at := invalidUTF8At(input)
		return nil, &ParseError{Input: input, Offset: at, Token: input[at : at+1], Reason: "invalid UTF-8"}
	}

	// byte offsets for each rune index, plus the end
	runes := make([]rune, 0, len(input))
	offsets := make([]int, 0, len(input)+1)
	for pos := 0; pos < len(input); {
		r, size := utf8.DecodeRuneInString(input[pos:])
		runes = append(runes, r)
		offsets = append(offsets, pos)
		pos += size
	}
	offsets = append(offsets, len(input))

	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == LinkToken:
			if len(current) == 0 {
				return nil, &ParseError{Input: input, Offset: offsets[i], Token: "!", Reason: "expected element before '!'"}
			}
			specs = append(specs, current)
			current = nil
			linkAt = offsets[i]
			i++
		default:
			tok, next, err := readToken(input, runes, offsets, i)
			if err != nil {
				return nil, err
			}
			current = append(current, tok)
			i = next
		}
	}

	if len(current) == 0 {
		return nil, &ParseError{Input: input, Offset: linkAt, Token: "!", Reason: "expected element after '!'"}
	}
	return append(specs, current), nil
}

// invalidUTF8At returns the byte offset of the first invalid sequence in s
func invalidUTF8At(s string) int {
	for pos := 0; pos < len(s); {
		r, size := utf8.DecodeRuneInString(s[pos:])
		if r == utf8.RuneError && size == 1 {
			return pos
		}
		pos += size
	}
	return len(s)
}

func readToken(input string, runes []rune, offsets []int, start int) (token, int, error) {
	var b strings.Builder
	tok := token{offset: offsets[start], eq: -1}

	i := start
	for i < len(runes) {
		r := runes[i]
		if unicode.IsSpace(r) || r == LinkToken {
			break
		}
		switch r {
		case '"', '\'':
			quoteAt := i
			if tok.eq < 0 {
				tok.keyQuoted = true
			}
			tok.quoted = true
			i++
			closed := false
			for i < len(runes) {
				c := runes[i]
				if c == r {
					closed = true
					i++
					break
				}
				if r == '"' && c == '\\' && i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\\') {
					b.WriteRune(runes[i+1])
					i += 2
					continue
				}
				b.WriteRune(c)
				i++
			}
			if !closed {
				return token{}, 0, &ParseError{
					Input:  input,
					Offset: offsets[quoteAt],
					Token:  input[offsets[quoteAt]:],
					Reason: "unterminated quote",
				}
			}
		case '=':
			if tok.eq < 0 {
				tok.eq = b.Len()
			}
			b.WriteRune(r)
			i++
		default:
			b.WriteRune(r)
			i++
		}
	}

	tok.text = b.String()
	tok.raw = input[offsets[start]:offsets[i]]
	return tok, i, nil
}

func buildDescriptor(input string, spec []token) (Descriptor, error) {
	head := spec[0]
	if head.eq >= 0 {
		return Descriptor{}, &ParseError{Input: input, Offset: head.offset, Token: head.raw, Reason: "expected element type, got property assignment"}
	}
	if head.quoted || !factoryPattern.MatchString(head.text) {
		return Descriptor{}, &ParseError{Input: input, Offset: head.offset, Token: head.raw, Reason: "invalid element type name"}
	}

	d := Descriptor{Factory: head.text}
	seen := make(map[string]bool)

	for _, tok := range spec[1:] {
		switch {
		case tok.eq < 0:
			return Descriptor{}, &ParseError{Input: input, Offset: tok.offset, Token: tok.raw, Reason: "expected key=value"}
		case tok.eq == 0:
			return Descriptor{}, &ParseError{Input: input, Offset: tok.offset, Token: tok.raw, Reason: "empty property key"}
		}

		key := tok.text[:tok.eq]
		value := tok.text[tok.eq+1:]

		if tok.keyQuoted || !keyPattern.MatchString(key) {
			return Descriptor{}, &ParseError{Input: input, Offset: tok.offset, Token: tok.raw, Reason: "invalid property key"}
		}
		rawValue := tok.raw[strings.IndexByte(tok.raw, '=')+1:]
		if rawValue == "" {
			return Descriptor{}, &ParseError{Input: input, Offset: tok.offset, Token: tok.raw, Reason: fmt.Sprintf("missing value for %q", key)}
		}
		if seen[key] {
			return Descriptor{}, &ParseError{Input: input, Offset: tok.offset, Token: tok.raw, Reason: fmt.Sprintf("duplicate %q", key)}
		}
		seen[key] = true

		if key == "name" {
			if value == "" {
				return Descriptor{}, &ParseError{Input: input, Offset: tok.offset, Token: tok.raw, Reason: "empty element name"}
			}
			d.Name = value
			continue
		}
		d.Properties = append(d.Properties, Property{Key: key, Value: value})
	}
	return d, nil
}
