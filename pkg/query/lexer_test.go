package query

import "testing"

func allTokens(t *testing.T, src string) []Token {
	t.Helper()
	lex := NewLexer(src)
	var toks []Token
	for {
		tok, err := lex.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		toks = append(toks, tok)
		if tok.Kind == TokenEOF {
			return toks
		}
	}
}

func TestLexerBasicClause(t *testing.T) {
	toks := allTokens(t, `age >= 18 and name prefix "jo"`)
	want := []TokenKind{TokenIdent, TokenOp, TokenNumber, TokenAnd, TokenIdent, TokenPrefix, TokenString, TokenEOF}
	if len(toks) != len(want) {
		t.Fatalf("got %d tokens; want %d (%v)", len(toks), len(want), toks)
	}
	for i, k := range want {
		if toks[i].Kind != k {
			t.Fatalf("token %d kind = %v; want %v", i, toks[i].Kind, k)
		}
	}
}

func TestLexerNegativeNumber(t *testing.T) {
	toks := allTokens(t, "x = -5")
	if toks[2].Kind != TokenNumber || toks[2].Text != "-5" {
		t.Fatalf("number token = %+v; want -5", toks[2])
	}
}

func TestLexerStringEscapes(t *testing.T) {
	toks := allTokens(t, `name = "a\"b"`)
	if toks[2].Text != `a"b` {
		t.Fatalf("string token = %q; want a\"b", toks[2].Text)
	}
}

func TestLexerInListBrackets(t *testing.T) {
	toks := allTokens(t, `status in ["a", "b"]`)
	wantKinds := []TokenKind{TokenIdent, TokenIn, TokenLBracket, TokenString, TokenComma, TokenString, TokenRBracket, TokenEOF}
	if len(toks) != len(wantKinds) {
		t.Fatalf("got %d tokens; want %d", len(toks), len(wantKinds))
	}
}

func TestLexerRejectsUnknownChar(t *testing.T) {
	lex := NewLexer("age @ 5")
	lex.Next() // age
	if _, err := lex.Next(); err == nil {
		t.Fatal("expected an error lexing '@'")
	}
}

func TestLexerOperators(t *testing.T) {
	for _, src := range []string{"=", "!=", "<", "<=", ">", ">="} {
		lex := NewLexer(src)
		tok, err := lex.Next()
		if err != nil {
			t.Fatalf("Next(%q): %v", src, err)
		}
		if tok.Kind != TokenOp || tok.Text != src {
			t.Fatalf("token for %q = %+v", src, tok)
		}
	}
}
