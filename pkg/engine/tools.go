package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Tool is a callable the scripted engine can invoke during a run. Call
// returns the tool output as text; errors are surfaced to the model as
// text too, never as a run failure.
type Tool interface {
	Name() string
	Call(ctx context.Context, input string) (string, error)
}

// BuiltinTools returns the default tool registry: an arithmetic calculator
// and a timezone-aware clock.
func BuiltinTools() []Tool {
	return []Tool{calcTool{}, nowTool{}}
}

type calcTool struct{}

func (calcTool) Name() string { return "calc" }

// Call evaluates an arithmetic expression with +, -, *, /, %, ** and
// parentheses. Whole results render without a decimal part.
func (calcTool) Call(_ context.Context, input string) (string, error) {
	result, err := evaluateExpression(input)
	if err != nil {
		return "", err
	}
	if result == math.Trunc(result) && !math.IsInf(result, 0) {
		return strconv.FormatInt(int64(result), 10), nil
	}
	return strconv.FormatFloat(result, 'g', -1, 64), nil
}

type nowTool struct{}

func (nowTool) Name() string { return "now" }

// Call returns the current date and time in ISO format for the given
// timezone, defaulting to UTC.
func (nowTool) Call(_ context.Context, input string) (string, error) {
	name := strings.TrimSpace(input)
	if name == "" {
		name = "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Sprintf("Fuso horario invalido: '%s'. Use valores como 'UTC' ou 'America/Sao_Paulo'.", name), nil
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

// evaluateExpression parses and evaluates a numeric expression. Only
// numbers and the arithmetic operators are accepted.
func evaluateExpression(input string) (float64, error) {
	p := &exprParser{src: input}
	value, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.src) {
		return 0, errors.Errorf("expressao nao suportada: '%c'", p.src[p.pos])
	}
	return value, nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) parseSum() (float64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseProduct()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) parseProduct() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		op := p.peek()
		// "**" belongs to parseUnary, not multiplication
		if op == '*' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '*' {
			return 0, errors.New("expressao nao suportada: '**' sem operando")
		}
		if op != '*' && op != '/' && op != '%' {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, errors.New("divisao por zero")
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, errors.New("divisao por zero")
			}
			left = math.Mod(left, right)
		}
	}
}

// parseUnary handles prefix signs. Exponentiation binds tighter than the
// sign, so -2**2 evaluates to -4.
func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpaces()
	switch p.peek() {
	case '+':
		p.pos++
		return p.parseUnary()
	case '-':
		p.pos++
		value, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -value, nil
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos+1 < len(p.src) && p.src[p.pos] == '*' && p.src[p.pos+1] == '*' {
		p.pos += 2
		exponent, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exponent), nil
	}
	return base, nil
}

func (p *exprParser) parsePrimary() (float64, error) {
	p.skipSpaces()
	if p.peek() == '(' {
		p.pos++
		value, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if p.peek() != ')' {
			return 0, errors.New("parentese nao fechado")
		}
		p.pos++
		return value, nil
	}

	start := p.pos
	seenDot := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		if c == '.' && !seenDot {
			seenDot = true
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return 0, errors.Errorf("expressao invalida na posicao %d", start)
	}
	value, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, errors.Wrap(err, "numero invalido")
	}
	return value, nil
}
