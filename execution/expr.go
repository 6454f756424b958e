package execution

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Condition expressions gate step execution. The grammar covers boolean
// literals, numbers, quoted strings, dot-notation references into the
// variable tree (input.x, steps.a.b), comparisons (==, !=, >, <, >=, <=),
// logical operators (&&, ||, !), and parentheses. Anything outside the
// grammar is an evaluation error, never a silent false: a mistyped
// operator must surface, not skip the step by accident.

// evaluate parses and evaluates expr against the variable tree.
func evaluate(expr string, vars map[string]any) (bool, error) {
	tokens, err := tokenizeExpr(expr)
	if err != nil {
		return false, err
	}
	if len(tokens) == 0 {
		return false, fmt.Errorf("empty expression")
	}

	p := &exprParser{tokens: tokens, vars: vars}
	val, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos < len(p.tokens) {
		return false, fmt.Errorf("unexpected token %q at position %d", p.tokens[p.pos].value, p.pos)
	}
	return truthy(val), nil
}

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
)

type exprToken struct {
	kind  tokenKind
	value string
}

func tokenizeExpr(expr string) ([]exprToken, error) {
	var tokens []exprToken
	runes := []rune(expr)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}
		if ch == '(' {
			tokens = append(tokens, exprToken{tkLParen, "("})
			i++
			continue
		}
		if ch == ')' {
			tokens = append(tokens, exprToken{tkRParen, ")"})
			i++
			continue
		}
		if ch == '"' || ch == '\'' {
			s, n, err := readQuoted(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, exprToken{tkString, s})
			i = n
			continue
		}
		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, exprToken{tkOp, two})
				i += 2
				continue
			}
		}
		if ch == '>' || ch == '<' || ch == '!' {
			tokens = append(tokens, exprToken{tkOp, string(ch)})
			i++
			continue
		}
		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && negativePosition(tokens)) {
			num, n := readNumber(runes, i)
			tokens = append(tokens, exprToken{tkNumber, num})
			i = n
			continue
		}
		if isIdentStart(ch) {
			ident, n := readIdent(runes, i)
			tokens = append(tokens, exprToken{tkIdent, ident})
			i = n
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}
	return tokens, nil
}

func readQuoted(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	i := start + 1
	var sb strings.Builder
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if i < len(runes) && runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '-' || ch == '.'
}

// negativePosition reports whether a '-' at the current position starts a
// negative number literal: at expression start, after an operator, or
// after an opening parenthesis.
func negativePosition(preceding []exprToken) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen
}

type exprParser struct {
	tokens []exprToken
	pos    int
	vars   map[string]any
}

func (p *exprParser) peek() *exprToken {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *exprParser) advance() exprToken {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() != nil && p.peek().kind == tkOp && p.peek().value == "||" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek() != nil && p.peek().kind == tkOp && p.peek().value == "&&" {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseComparison() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.peek() != nil && p.peek().kind == tkOp {
		op := p.peek().value
		switch op {
		case "==", "!=", ">", "<", ">=", "<=":
			p.advance()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return compareValues(left, op, right), nil
		}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (any, error) {
	if p.peek() != nil && p.peek().kind == tkOp && p.peek().value == "!" {
		p.advance()
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (any, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		return strconv.ParseFloat(t.value, 64)

	case tkString:
		p.advance()
		return t.value, nil

	case tkIdent:
		p.advance()
		switch t.value {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return lookupVar(t.value, p.vars)
		}

	case tkLParen:
		p.advance()
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() == nil || p.peek().kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return val, nil

	default:
		return nil, fmt.Errorf("unexpected token %q", t.value)
	}
}

// lookupVar resolves a dot-notation path in the variable tree. A missing
// path segment is an error so a typoed reference cannot quietly evaluate
// as nil.
func lookupVar(path string, vars map[string]any) (any, error) {
	parts := strings.Split(path, ".")
	var current any = vars
	for i, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unresolved reference %q: %q is not a map", path, strings.Join(parts[:i], "."))
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("unresolved reference %q: %q not found", path, part)
		}
	}
	return current, nil
}

// compareValues compares numerically when both sides convert to numbers,
// otherwise falls back to string comparison. nil sorts below every
// non-nil value.
func compareValues(left any, op string, right any) bool {
	if left == nil && right == nil {
		return op == "==" || op == ">=" || op == "<="
	}
	if left == nil || right == nil {
		switch op {
		case "!=":
			return true
		case "==":
			return false
		}
		if left == nil {
			return op == "<" || op == "<="
		}
		return op == ">" || op == ">="
	}

	lf, lok := asFloat64(left)
	rf, rok := asFloat64(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	default:
		return true
	}
}

func asFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}
