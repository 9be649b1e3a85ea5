package jsonutil

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// ParseLiteral parses a loose object/array literal of the kind language
// models produce when they drift from strict JSON. On top of JSON it accepts
// single-quoted strings, True/False/None, trailing commas, parenthesized
// tuples (decoded as arrays), and bare identifier keys.
//
// Values decode to the same Go types as encoding/json into any:
// map[string]any, []any, string, float64, bool and nil.
func ParseLiteral(text string) (any, error) {
	p := &literalParser{src: text}
	p.skipSpace()
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing content")
	}
	return v, nil
}

type literalParser struct {
	src string
	pos int
}

func (p *literalParser) errorf(format string, args ...any) error {
	return errors.Newf("literal at offset %d: "+format, append([]any{p.pos}, args...)...)
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.src) {
		r, size := utf8.DecodeRuneInString(p.src[p.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		p.pos += size
	}
}

func (p *literalParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *literalParser) value() (any, error) {
	switch c := p.peek(); {
	case c == 0:
		return nil, p.errorf("unexpected end of input")
	case c == '{':
		return p.object()
	case c == '[':
		return p.sequence('[', ']')
	case c == '(':
		return p.sequence('(', ')')
	case c == '"' || c == '\'':
		return p.str()
	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	default:
		word := p.identifier()
		switch word {
		case "True", "true":
			return true, nil
		case "False", "false":
			return false, nil
		case "None", "null":
			return nil, nil
		case "":
			return nil, p.errorf("unexpected character %q", c)
		default:
			return nil, p.errorf("unknown identifier %q", word)
		}
	}
}

func (p *literalParser) object() (any, error) {
	p.pos++ // {
	out := make(map[string]any)
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return out, nil
		}

		var key string
		switch c := p.peek(); {
		case c == '"' || c == '\'':
			s, err := p.str()
			if err != nil {
				return nil, err
			}
			key = s
		default:
			key = p.identifier()
			if key == "" {
				return nil, p.errorf("expected object key")
			}
		}

		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.errorf("expected ':' after key %q", key)
		}
		p.pos++
		p.skipSpace()

		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out[key] = v

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return out, nil
		default:
			return nil, p.errorf("expected ',' or '}' in object")
		}
	}
}

func (p *literalParser) sequence(open, close byte) (any, error) {
	p.pos++ // open
	out := []any{}
	for {
		p.skipSpace()
		if p.peek() == close {
			p.pos++
			return out, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case close:
			p.pos++
			return out, nil
		default:
			return nil, p.errorf("expected ',' or %q in sequence opened by %q", close, open)
		}
	}
}

func (p *literalParser) str() (string, error) {
	quote := p.src[p.pos]
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == quote:
			p.pos++
			return b.String(), nil
		case c == '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return "", p.errorf("unterminated escape")
			}
			esc := p.src[p.pos]
			p.pos++
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'u':
				if p.pos+4 > len(p.src) {
					return "", p.errorf("short \\u escape")
				}
				n, err := strconv.ParseUint(p.src[p.pos:p.pos+4], 16, 32)
				if err != nil {
					return "", p.errorf("invalid \\u escape")
				}
				b.WriteRune(rune(n))
				p.pos += 4
			default:
				// \\, \', \", \/ and unknown escapes keep the character.
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errorf("unterminated string")
}

func (p *literalParser) number() (any, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E' {
			p.pos++
			continue
		}
		break
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, p.errorf("invalid number %q", p.src[start:p.pos])
	}
	return f, nil
}

func (p *literalParser) identifier() string {
	start := p.pos
	for p.pos < len(p.src) {
		r, size := utf8.DecodeRuneInString(p.src[p.pos:])
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			p.pos += size
			continue
		}
		break
	}
	return p.src[start:p.pos]
}
