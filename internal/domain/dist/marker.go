package dist

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// MarkerEnv is the set of PEP 508 marker variables of the deployment target.
type MarkerEnv struct {
	values map[string]string
	extras []string
}

// NewMarkerEnv builds marker variables for the given platform tag.
// extras holds the extras the dependency was requested with.
func NewMarkerEnv(tag PlatformTag, extras ...string) MarkerEnv {
	full := tag.Runtime + ".0"

	system := tag.OS
	if system != "" {
		system = strings.ToUpper(system[:1]) + system[1:]
	}

	normalized := make([]string, 0, len(extras))
	for _, extra := range extras {
		normalized = append(normalized, NormalizeName(extra))
	}

	return MarkerEnv{
		values: map[string]string{
			"python_version":                 tag.Runtime,
			"python_full_version":            full,
			"implementation_version":         full,
			"implementation_name":            "cpython",
			"platform_python_implementation": "CPython",
			"sys_platform":                   tag.OS,
			"platform_system":                system,
			"platform_machine":               tag.Arch,
			"os_name":                        "posix",
			"platform_release":               "",
			"platform_version":               "",
		},
		extras: normalized,
	}
}

// versionVariables are compared with PEP 440 semantics instead of plain strings.
var versionVariables = map[string]bool{
	"python_version":         true,
	"python_full_version":    true,
	"implementation_version": true,
}

// EvaluateMarker reports whether a PEP 508 environment marker holds in env.
// An empty marker always holds.
func EvaluateMarker(marker string, env MarkerEnv) (bool, error) {
	if strings.TrimSpace(marker) == "" {
		return true, nil
	}

	tokens, err := tokenizeMarker(marker)
	if err != nil {
		return false, err
	}

	p := &markerParser{tokens: tokens, env: env}

	result, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("%w: %q: %w", ErrInvalidMarker, marker, err)
	}

	if p.pos != len(p.tokens) {
		return false, fmt.Errorf("%w: %q: trailing %q", ErrInvalidMarker, marker, p.tokens[p.pos].text)
	}

	return result, nil
}

type markerTokenKind int

const (
	tokenIdent markerTokenKind = iota
	tokenString
	tokenOp
	tokenOpen
	tokenClose
)

type markerToken struct {
	kind markerTokenKind
	text string
}

func tokenizeMarker(s string) ([]markerToken, error) {
	var tokens []markerToken

	for i := 0; i < len(s); {
		c := s[i]

		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			tokens = append(tokens, markerToken{kind: tokenOpen, text: "("})
			i++
		case c == ')':
			tokens = append(tokens, markerToken{kind: tokenClose, text: ")"})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated string in %q", ErrInvalidMarker, s)
			}

			tokens = append(tokens, markerToken{kind: tokenString, text: s[i+1 : i+1+end]})
			i += end + 2
		case strings.ContainsRune("<>=!~", rune(c)):
			j := i
			for j < len(s) && strings.ContainsRune("<>=!~", rune(s[j])) {
				j++
			}

			tokens = append(tokens, markerToken{kind: tokenOp, text: s[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_' || s[j] == '.') {
				j++
			}

			tokens = append(tokens, markerToken{kind: tokenIdent, text: s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("%w: unexpected %q in %q", ErrInvalidMarker, c, s)
		}
	}

	return tokens, nil
}

type markerParser struct {
	tokens []markerToken
	pos    int
	env    MarkerEnv
}

func (p *markerParser) peek() (markerToken, bool) {
	if p.pos >= len(p.tokens) {
		return markerToken{}, false
	}

	return p.tokens[p.pos], true
}

func (p *markerParser) keyword(word string) bool {
	tok, ok := p.peek()
	if ok && tok.kind == tokenIdent && tok.text == word {
		p.pos++
		return true
	}

	return false
}

func (p *markerParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}

	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}

		left = left || right
	}

	return left, nil
}

func (p *markerParser) parseAnd() (bool, error) {
	left, err := p.parseAtom()
	if err != nil {
		return false, err
	}

	for p.keyword("and") {
		right, err := p.parseAtom()
		if err != nil {
			return false, err
		}

		left = left && right
	}

	return left, nil
}

func (p *markerParser) parseAtom() (bool, error) {
	tok, ok := p.peek()
	if !ok {
		return false, fmt.Errorf("unexpected end of marker")
	}

	if tok.kind == tokenOpen {
		p.pos++

		result, err := p.parseOr()
		if err != nil {
			return false, err
		}

		if closing, ok := p.peek(); !ok || closing.kind != tokenClose {
			return false, fmt.Errorf("missing closing parenthesis")
		}

		p.pos++

		return result, nil
	}

	left, err := p.parseValue()
	if err != nil {
		return false, err
	}

	op, err := p.parseOp()
	if err != nil {
		return false, err
	}

	right, err := p.parseValue()
	if err != nil {
		return false, err
	}

	return p.compare(left, op, right)
}

// markerValue is either a variable reference or a literal.
type markerValue struct {
	variable string
	literal  string
}

func (p *markerParser) parseValue() (markerValue, error) {
	tok, ok := p.peek()
	if !ok {
		return markerValue{}, fmt.Errorf("expected a value")
	}

	switch tok.kind {
	case tokenString:
		p.pos++
		return markerValue{literal: tok.text}, nil
	case tokenIdent:
		if _, known := p.env.values[tok.text]; !known && tok.text != "extra" {
			return markerValue{}, fmt.Errorf("unknown marker variable %q", tok.text)
		}

		p.pos++

		return markerValue{variable: tok.text}, nil
	default:
		return markerValue{}, fmt.Errorf("unexpected %q", tok.text)
	}
}

func (p *markerParser) parseOp() (string, error) {
	tok, ok := p.peek()
	if !ok {
		return "", fmt.Errorf("expected an operator")
	}

	switch {
	case tok.kind == tokenOp:
		p.pos++
		return tok.text, nil
	case tok.kind == tokenIdent && tok.text == "in":
		p.pos++
		return "in", nil
	case tok.kind == tokenIdent && tok.text == "not":
		p.pos++
		if !p.keyword("in") {
			return "", fmt.Errorf("expected 'in' after 'not'")
		}

		return "not in", nil
	default:
		return "", fmt.Errorf("unexpected %q", tok.text)
	}
}

func (p *markerParser) compare(left markerValue, op string, right markerValue) (bool, error) {
	if left.variable == "extra" || right.variable == "extra" {
		return p.compareExtra(left, op, right)
	}

	lhs := p.resolve(left)
	rhs := p.resolve(right)

	switch op {
	case "in":
		return strings.Contains(rhs, lhs), nil
	case "not in":
		return !strings.Contains(rhs, lhs), nil
	}

	if versionVariables[left.variable] || versionVariables[right.variable] {
		if ok, err := Satisfies(lhs, op+rhs); err == nil {
			return ok, nil
		}
	}

	switch op {
	case "==", "===":
		return lhs == rhs, nil
	case "!=":
		return lhs != rhs, nil
	case "<":
		return lhs < rhs, nil
	case "<=":
		return lhs <= rhs, nil
	case ">":
		return lhs > rhs, nil
	case ">=":
		return lhs >= rhs, nil
	default:
		return false, fmt.Errorf("operator %q is not valid for %q", op, lhs)
	}
}

func (p *markerParser) compareExtra(left markerValue, op string, right markerValue) (bool, error) {
	literal := left.literal
	if left.variable == "extra" {
		literal = right.literal
	}

	has := slices.Contains(p.env.extras, NormalizeName(literal))

	switch op {
	case "==":
		return has, nil
	case "!=":
		return !has, nil
	default:
		return false, fmt.Errorf("operator %q is not valid for extra", op)
	}
}

func (p *markerParser) resolve(v markerValue) string {
	if v.variable != "" {
		return p.env.values[v.variable]
	}

	return v.literal
}
