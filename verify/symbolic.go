package verify

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"
)

// Finding is one evaluated assertion extracted from a solution's text.
type Finding struct {
	Assertion string
	Holds     bool
	Err       error
}

// assertionPattern matches a simple "<expr> = <expr>" or "<expr> == <expr>"
// line fragment using only digits, arithmetic operators and parentheses —
// the subset of algebra this best-effort check can evaluate.
var assertionPattern = regexp.MustCompile(`[-0-9.()+\-*/\s]+={1,2}[-0-9.()+\-*/\s]+`)

// SymbolicCheck scans solution text for numeric equality assertions and
// evaluates both sides with Go's expression grammar, reporting whether
// they agree. It is best-effort and purely advisory: a parse or
// evaluation failure on one assertion is recorded on its Finding rather
// than aborting the scan, and the caller must not use these results for
// control flow.
func SymbolicCheck(solution string) []Finding {
	var findings []Finding
	for _, candidate := range assertionPattern.FindAllString(solution, -1) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		sides := splitAssertion(candidate)
		if sides == nil {
			continue
		}
		lhs, err := evalExpr(sides[0])
		if err != nil {
			findings = append(findings, Finding{Assertion: candidate, Err: err})
			continue
		}
		rhs, err := evalExpr(sides[1])
		if err != nil {
			findings = append(findings, Finding{Assertion: candidate, Err: err})
			continue
		}
		findings = append(findings, Finding{Assertion: candidate, Holds: lhs == rhs})
	}
	return findings
}

// splitAssertion splits "a == b" or "a = b" into its two sides, preferring
// the last "=" or "==" occurrence so chained expressions like
// "2+2 = 1+3 = 4" still split sensibly into their final comparison.
func splitAssertion(s string) []string {
	idx := strings.LastIndex(s, "==")
	width := 2
	if idx < 0 {
		idx = strings.LastIndex(s, "=")
		width = 1
	}
	if idx <= 0 || idx+width >= len(s) {
		return nil
	}
	lhs := s[:idx]
	if prev := strings.LastIndex(lhs, "="); prev >= 0 {
		lhs = lhs[prev+1:]
	}
	if strings.TrimSpace(lhs) == "" {
		return nil
	}
	return []string{lhs, s[idx+width:]}
}

// evalExpr parses s as a Go arithmetic expression and evaluates it over
// float64, the minimal subset needed for the numeric assertions this check
// targets.
func evalExpr(s string) (float64, error) {
	expr, err := parser.ParseExpr(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("verify: parse %q: %w", s, err)
	}
	return evalNode(expr)
}

func evalNode(n ast.Expr) (float64, error) {
	switch v := n.(type) {
	case *ast.BasicLit:
		if v.Kind != token.INT && v.Kind != token.FLOAT {
			return 0, fmt.Errorf("verify: unsupported literal %q", v.Value)
		}
		var f float64
		if _, err := fmt.Sscanf(v.Value, "%g", &f); err != nil {
			return 0, fmt.Errorf("verify: parse literal %q: %w", v.Value, err)
		}
		return f, nil
	case *ast.ParenExpr:
		return evalNode(v.X)
	case *ast.UnaryExpr:
		x, err := evalNode(v.X)
		if err != nil {
			return 0, err
		}
		switch v.Op {
		case token.SUB:
			return -x, nil
		case token.ADD:
			return x, nil
		default:
			return 0, fmt.Errorf("verify: unsupported unary operator %s", v.Op)
		}
	case *ast.BinaryExpr:
		lhs, err := evalNode(v.X)
		if err != nil {
			return 0, err
		}
		rhs, err := evalNode(v.Y)
		if err != nil {
			return 0, err
		}
		switch v.Op {
		case token.ADD:
			return lhs + rhs, nil
		case token.SUB:
			return lhs - rhs, nil
		case token.MUL:
			return lhs * rhs, nil
		case token.QUO:
			if rhs == 0 {
				return 0, fmt.Errorf("verify: division by zero")
			}
			return lhs / rhs, nil
		default:
			return 0, fmt.Errorf("verify: unsupported operator %s", v.Op)
		}
	default:
		return 0, fmt.Errorf("verify: unsupported expression node %T", n)
	}
}
