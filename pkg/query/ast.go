package query

import (
	"fmt"
	"strconv"

	"github.com/nestdb/nestdb/pkg/value"
)

// Parser builds a Predicate tree from the textual filter language via a
// small recursive-descent grammar:
//
//	expr   := term (("and" | "or") term)*
//	term   := "not" term | "(" expr ")" | clause
//	clause := IDENT op literal | IDENT "in" "[" literal ("," literal)* "]"
//	        | IDENT "prefix" STRING | IDENT "contains" literal
type Parser struct {
	lex  *Lexer
	cur  Token
}

// Parse compiles src into a Predicate.
func Parse(src string) (Predicate, error) {
	p := &Parser{lex: NewLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	pred, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind != TokenEOF {
		return nil, fmt.Errorf("query: unexpected trailing token %q", p.cur.Text)
	}
	return pred, nil
}

func (p *Parser) advance() error {
	tok, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *Parser) parseExpr() (Predicate, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokenAnd || p.cur.Kind == TokenOr {
		isAnd := p.cur.Kind == TokenAnd
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		if isAnd {
			left = And{left, right}
		} else {
			left = Or{left, right}
		}
	}
	return left, nil
}

func (p *Parser) parseTerm() (Predicate, error) {
	switch p.cur.Kind {
	case TokenNot:
		if err := p.advance(); err != nil {
			return nil, err
		}
		sub, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return Not{Pred: sub}, nil
	case TokenLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur.Kind != TokenRParen {
			return nil, fmt.Errorf("query: expected ')'")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	case TokenIdent:
		return p.parseClause()
	default:
		return nil, fmt.Errorf("query: unexpected token %q", p.cur.Text)
	}
}

func (p *Parser) parseClause() (Predicate, error) {
	path := p.cur.Text
	if err := p.advance(); err != nil {
		return nil, err
	}

	switch p.cur.Kind {
	case TokenOp:
		op := p.cur.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return opToPredicate(path, op, lit)
	case TokenIn:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.Kind != TokenLBracket {
			return nil, fmt.Errorf("query: expected '[' after 'in'")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		var values []value.Value
		for p.cur.Kind != TokenRBracket {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			values = append(values, lit)
			if p.cur.Kind == TokenComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
		}
		if err := p.advance(); err != nil { // consume ']'
			return nil, err
		}
		return In{Path: path, Values: values}, nil
	case TokenPrefix:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.Kind != TokenString {
			return nil, fmt.Errorf("query: expected string after 'prefix'")
		}
		prefix := p.cur.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return PrefixOp{Path: path, Prefix: prefix}, nil
	case TokenContains:
		if err := p.advance(); err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return ContainsOp{Path: path, Needle: lit}, nil
	default:
		return nil, fmt.Errorf("query: expected operator after field %q", path)
	}
}

func (p *Parser) parseLiteral() (value.Value, error) {
	switch p.cur.Kind {
	case TokenString:
		v := value.String(p.cur.Text)
		return v, p.advance()
	case TokenNumber:
		text := p.cur.Text
		if err := p.advance(); err != nil {
			return value.Value{}, err
		}
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return value.Int(i), nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("query: invalid number %q", text)
		}
		return value.Float(f), nil
	case TokenIdent:
		text := p.cur.Text
		if err := p.advance(); err != nil {
			return value.Value{}, err
		}
		switch text {
		case "true":
			return value.Bool(true), nil
		case "false":
			return value.Bool(false), nil
		case "null":
			return value.Null(), nil
		default:
			return value.String(text), nil
		}
	default:
		return value.Value{}, fmt.Errorf("query: expected a literal value, got %q", p.cur.Text)
	}
}

func opToPredicate(path, op string, lit value.Value) (Predicate, error) {
	switch op {
	case "=":
		return Eq{Path: path, Value: lit}, nil
	case "!=":
		return Not{Pred: Eq{Path: path, Value: lit}}, nil
	case "<":
		return RangeOp{Path: path, High: lit, HasHigh: true, HighInclusive: false}, nil
	case "<=":
		return RangeOp{Path: path, High: lit, HasHigh: true, HighInclusive: true}, nil
	case ">":
		return RangeOp{Path: path, Low: lit, HasLow: true, LowInclusive: false}, nil
	case ">=":
		return RangeOp{Path: path, Low: lit, HasLow: true, LowInclusive: true}, nil
	default:
		return nil, fmt.Errorf("query: unsupported operator %q", op)
	}
}
