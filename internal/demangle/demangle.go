// Package demangle decodes Itanium C++ mangled names (the `_Z`-prefixed
// grammar emitted by clang/gcc), used by the symbol table to format
// duplicate/undefined-symbol diagnostics when -demangle is in effect.
package demangle

import (
	"fmt"
	"strconv"
	"strings"
)

type parser struct {
	data  string
	pos   int
	subst []string // substitution table, Itanium S_ references
}

func newParser(s string) *parser {
	return &parser{data: s}
}

func (p *parser) eof() bool { return p.pos >= len(p.data) }

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.data[p.pos]
}

func (p *parser) consume() byte {
	if p.eof() {
		return 0
	}
	b := p.data[p.pos]
	p.pos++
	return b
}

func (p *parser) expect(b byte) error {
	if p.peek() != b {
		return fmt.Errorf("demangle: expected %q at position %d", b, p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) readNumber() (int, error) {
	start := p.pos
	for !p.eof() && p.data[p.pos] >= '0' && p.data[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return 0, fmt.Errorf("demangle: expected digit at position %d", start)
	}
	return strconv.Atoi(p.data[start:p.pos])
}

// sourceName parses <number> <identifier>.
func (p *parser) sourceName() (string, error) {
	n, err := p.readNumber()
	if err != nil {
		return "", err
	}
	if p.pos+n > len(p.data) {
		return "", fmt.Errorf("demangle: identifier exceeds input length")
	}
	s := p.data[p.pos : p.pos+n]
	p.pos += n
	p.subst = append(p.subst, s)
	return s, nil
}

var builtinTypes = map[byte]string{
	'v': "void", 'w': "wchar_t", 'b': "bool",
	'c': "char", 'a': "signed char", 'h': "unsigned char",
	's': "short", 't': "unsigned short",
	'i': "int", 'j': "unsigned int",
	'l': "long", 'm': "unsigned long",
	'x': "long long", 'y': "unsigned long long",
	'f': "float", 'd': "double", 'e': "long double",
}

// qualifiers for pointer/reference/cv-qualified types.
var typePrefixes = map[byte]string{
	'P': "*", 'R': "&", 'O': "&&",
}

// cvQualifiers parses zero or more of K (const) / V (volatile) and returns
// the suffix to append after the base type name.
func (p *parser) cvQualifiers() string {
	var suffix string
	for {
		switch p.peek() {
		case 'K':
			p.pos++
			suffix += " const"
		case 'V':
			p.pos++
			suffix += " volatile"
		default:
			return suffix
		}
	}
}

// substitution parses S_ / S<seq-id>_ backreferences.
func (p *parser) substitution() (string, error) {
	if err := p.expect('S'); err != nil {
		return "", err
	}
	if p.peek() == '_' {
		p.pos++
		if len(p.subst) == 0 {
			return "", fmt.Errorf("demangle: empty substitution table")
		}
		return p.subst[0], nil
	}
	start := p.pos
	for !p.eof() && p.peek() != '_' {
		p.pos++
	}
	seq := p.data[start:p.pos]
	if err := p.expect('_'); err != nil {
		return "", err
	}
	idx, err := base36(seq)
	if err != nil {
		return "", err
	}
	idx++ // S_ is index 0, S0_ is index 1, ...
	if idx < 0 || idx >= len(p.subst) {
		return "", fmt.Errorf("demangle: invalid substitution S%s_", seq)
	}
	return p.subst[idx], nil
}

func base36(s string) (int, error) {
	if s == "" {
		return -1, nil
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'A' && c <= 'Z':
			v = int(c-'A') + 10
		default:
			return 0, fmt.Errorf("demangle: bad substitution sequence %q", s)
		}
		n = n*36 + v
	}
	return n, nil
}

// nestedName parses N [<CV-qualifiers>] <prefix> <unqualified-name> E,
// returning the "::"-joined scope.
func (p *parser) nestedName() (string, error) {
	if err := p.expect('N'); err != nil {
		return "", err
	}
	var parts []string
	for p.peek() == 'K' || p.peek() == 'V' {
		p.pos++
	}
	for {
		if p.peek() == 'E' {
			p.pos++
			break
		}
		name, err := p.unqualifiedName()
		if err != nil {
			return "", err
		}
		parts = append(parts, name)
		joined := strings.Join(parts, "::")
		p.subst = append(p.subst, joined)
		if p.peek() == 'E' {
			p.pos++
			break
		}
	}
	return strings.Join(parts, "::"), nil
}

func (p *parser) unqualifiedName() (string, error) {
	switch {
	case p.peek() >= '0' && p.peek() <= '9':
		return p.sourceName()
	case p.peek() == 'C':
		p.pos += 2 // CtorDtor variant digit, e.g. C1, C2
		return "{ctor}", nil
	case p.peek() == 'D':
		p.pos += 2
		return "{dtor}", nil
	default:
		return "", fmt.Errorf("demangle: unrecognized unqualified-name at position %d", p.pos)
	}
}

func (p *parser) builtinType() (string, error) {
	if name, ok := builtinTypes[p.peek()]; ok {
		p.pos++
		return name, nil
	}
	return "", fmt.Errorf("demangle: unrecognized builtin type %q", p.peek())
}

// typ parses one <type> production.
func (p *parser) typ() (string, error) {
	if prefix, ok := typePrefixes[p.peek()]; ok {
		p.pos++
		inner, err := p.typ()
		if err != nil {
			return "", err
		}
		result := inner + " " + prefix
		p.subst = append(p.subst, result)
		return result, nil
	}
	suffix := p.cvQualifiers()
	var base string
	var err error
	switch {
	case p.peek() == 'S':
		base, err = p.substitution()
	case p.peek() >= '0' && p.peek() <= '9':
		base, err = p.sourceName()
	case p.peek() == 'N':
		base, err = p.nestedName()
	default:
		base, err = p.builtinType()
	}
	if err != nil {
		return "", err
	}
	return base + suffix, nil
}

// bareFunctionType parses zero or more <type> until the mangled name ends,
// joining them as a parameter list.
func (p *parser) bareFunctionType() (string, error) {
	var params []string
	for !p.eof() {
		t, err := p.typ()
		if err != nil {
			return "", err
		}
		params = append(params, t)
	}
	if len(params) == 1 && params[0] == "void" {
		return "()", nil
	}
	return "(" + strings.Join(params, ", ") + ")", nil
}

// Demangle decodes an Itanium-mangled name. Names not starting with the
// `_Z`/`__Z` prefix are returned unchanged, matching ld64's behavior of
// printing raw names it cannot demangle.
func Demangle(name string) string {
	mangled := name
	switch {
	case strings.HasPrefix(mangled, "__Z"):
		mangled = mangled[1:]
	case strings.HasPrefix(mangled, "_Z"):
	default:
		return name
	}

	p := newParser(mangled[2:])
	var qualifiedName string
	var err error
	if p.peek() == 'N' {
		qualifiedName, err = p.nestedName()
	} else {
		qualifiedName, err = p.unqualifiedName()
	}
	if err != nil {
		return name
	}

	if p.eof() {
		return qualifiedName
	}
	params, err := p.bareFunctionType()
	if err != nil {
		return name
	}
	return qualifiedName + params
}
