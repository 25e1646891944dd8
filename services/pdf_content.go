package services

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Content stream tokenizer and writer. Only what is needed to interpret text
// operators is decoded; every other operator is copied through byte for byte.

type operandKind int

const (
	operandNumber operandKind = iota
	operandName
	operandString
	operandArray
	operandDict
	operandOther
)

type operand struct {
	kind  operandKind
	num   float64
	name  string
	str   []byte
	elems []operand
}

// contentOp is one operator with its operands. raw holds the original bytes
// from the first operand through the operator (or through EI for inline images).
type contentOp struct {
	op       string
	operands []operand
	raw      []byte
}

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenName
	tokenString
	tokenArrayOpen
	tokenArrayClose
	tokenDictOpen
	tokenDictClose
	tokenKeyword
)

type token struct {
	kind tokenKind
	text string
	num  float64
	str  []byte
}

var errContentSyntax = errors.New("malformed content stream")

type contentLexer struct {
	buf []byte
	pos int
}

func isPDFSpace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isPDFDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func (lx *contentLexer) skipSpace() {
	for lx.pos < len(lx.buf) {
		c := lx.buf[lx.pos]
		switch {
		case isPDFSpace(c):
			lx.pos++
		case c == '%':
			for lx.pos < len(lx.buf) && lx.buf[lx.pos] != '\n' && lx.buf[lx.pos] != '\r' {
				lx.pos++
			}
		default:
			return
		}
	}
}

func (lx *contentLexer) regular() string {
	start := lx.pos
	for lx.pos < len(lx.buf) && !isPDFSpace(lx.buf[lx.pos]) && !isPDFDelimiter(lx.buf[lx.pos]) {
		lx.pos++
	}
	return string(lx.buf[start:lx.pos])
}

func (lx *contentLexer) next() (token, error) {
	lx.skipSpace()
	if lx.pos >= len(lx.buf) {
		return token{kind: tokenEOF}, nil
	}

	c := lx.buf[lx.pos]
	switch c {
	case '[':
		lx.pos++
		return token{kind: tokenArrayOpen}, nil
	case ']':
		lx.pos++
		return token{kind: tokenArrayClose}, nil
	case '(':
		s, err := lx.literalString()
		return token{kind: tokenString, str: s}, err
	case '<':
		if lx.pos+1 < len(lx.buf) && lx.buf[lx.pos+1] == '<' {
			lx.pos += 2
			return token{kind: tokenDictOpen}, nil
		}
		s, err := lx.hexString()
		return token{kind: tokenString, str: s}, err
	case '>':
		if lx.pos+1 < len(lx.buf) && lx.buf[lx.pos+1] == '>' {
			lx.pos += 2
			return token{kind: tokenDictClose}, nil
		}
		return token{}, fmt.Errorf("%w: stray '>' at %d", errContentSyntax, lx.pos)
	case '/':
		lx.pos++
		return token{kind: tokenName, text: lx.regular()}, nil
	case ')', '{', '}':
		// Stray delimiters are passed through as keywords so the
		// surrounding operator survives unchanged.
		lx.pos++
		return token{kind: tokenKeyword, text: string(c)}, nil
	}

	word := lx.regular()
	if c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') {
		if f, err := strconv.ParseFloat(word, 64); err == nil {
			return token{kind: tokenNumber, text: word, num: f}, nil
		}
	}
	return token{kind: tokenKeyword, text: word}, nil
}

func (lx *contentLexer) literalString() ([]byte, error) {
	lx.pos++ // (
	var out []byte
	depth := 1
	for lx.pos < len(lx.buf) {
		c := lx.buf[lx.pos]
		lx.pos++
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return out, nil
			}
		case '\\':
			if lx.pos >= len(lx.buf) {
				return nil, fmt.Errorf("%w: unterminated escape", errContentSyntax)
			}
			e := lx.buf[lx.pos]
			lx.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if lx.pos < len(lx.buf) && lx.buf[lx.pos] == '\n' {
					lx.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && lx.pos < len(lx.buf) && lx.buf[lx.pos] >= '0' && lx.buf[lx.pos] <= '7'; i++ {
						v = v*8 + int(lx.buf[lx.pos]-'0')
						lx.pos++
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
			continue
		}
		out = append(out, c)
	}
	return nil, fmt.Errorf("%w: unterminated string", errContentSyntax)
}

func (lx *contentLexer) hexString() ([]byte, error) {
	lx.pos++ // <
	var out []byte
	var hi byte
	half := false
	for lx.pos < len(lx.buf) {
		c := lx.buf[lx.pos]
		lx.pos++
		if c == '>' {
			if half {
				out = append(out, hi<<4)
			}
			return out, nil
		}
		if isPDFSpace(c) {
			continue
		}
		v, ok := hexValue(c)
		if !ok {
			return nil, fmt.Errorf("%w: bad hex digit %q", errContentSyntax, c)
		}
		if half {
			out = append(out, hi<<4|v)
		} else {
			hi = v
		}
		half = !half
	}
	return nil, fmt.Errorf("%w: unterminated hex string", errContentSyntax)
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func (lx *contentLexer) operand(tk token) (operand, error) {
	switch tk.kind {
	case tokenNumber:
		return operand{kind: operandNumber, num: tk.num}, nil
	case tokenName:
		return operand{kind: operandName, name: tk.text}, nil
	case tokenString:
		return operand{kind: operandString, str: tk.str}, nil
	case tokenKeyword:
		return operand{kind: operandOther, name: tk.text}, nil
	case tokenArrayOpen:
		arr := operand{kind: operandArray}
		for {
			next, err := lx.next()
			if err != nil {
				return operand{}, err
			}
			switch next.kind {
			case tokenEOF:
				return operand{}, fmt.Errorf("%w: unterminated array", errContentSyntax)
			case tokenArrayClose:
				return arr, nil
			}
			el, err := lx.operand(next)
			if err != nil {
				return operand{}, err
			}
			arr.elems = append(arr.elems, el)
		}
	case tokenDictOpen:
		for {
			next, err := lx.next()
			if err != nil {
				return operand{}, err
			}
			switch next.kind {
			case tokenEOF:
				return operand{}, fmt.Errorf("%w: unterminated dictionary", errContentSyntax)
			case tokenDictClose:
				return operand{kind: operandDict}, nil
			}
			if _, err := lx.operand(next); err != nil {
				return operand{}, err
			}
		}
	}
	return operand{}, fmt.Errorf("%w: unexpected token at %d", errContentSyntax, lx.pos)
}

// skipInlineImage advances past the image data of a BI ... ID ... EI sequence
func (lx *contentLexer) skipInlineImage() error {
	for {
		tk, err := lx.next()
		if err != nil {
			return err
		}
		if tk.kind == tokenEOF {
			return fmt.Errorf("%w: inline image without ID", errContentSyntax)
		}
		if tk.kind == tokenKeyword && tk.text == "ID" {
			break
		}
		if _, err := lx.operand(tk); err != nil {
			return err
		}
	}
	lx.pos++ // single whitespace after ID
	for i := lx.pos; i+1 < len(lx.buf); i++ {
		if lx.buf[i] != 'E' || lx.buf[i+1] != 'I' || !isPDFSpace(lx.buf[i-1]) {
			continue
		}
		if i+2 == len(lx.buf) || isPDFSpace(lx.buf[i+2]) || isPDFDelimiter(lx.buf[i+2]) {
			lx.pos = i + 2
			return nil
		}
	}
	return fmt.Errorf("%w: inline image without EI", errContentSyntax)
}

var operandKeywords = map[string]bool{"true": true, "false": true, "null": true}

// parseContent splits a decoded content stream into operators
func parseContent(buf []byte) ([]contentOp, error) {
	lx := &contentLexer{buf: buf}
	var ops []contentOp
	var operands []operand
	start := 0

	for {
		lx.skipSpace()
		if len(operands) == 0 {
			start = lx.pos
		}
		tk, err := lx.next()
		if err != nil {
			return nil, err
		}
		if tk.kind == tokenEOF {
			break
		}

		if tk.kind != tokenKeyword || operandKeywords[tk.text] {
			o, err := lx.operand(tk)
			if err != nil {
				return nil, err
			}
			operands = append(operands, o)
			continue
		}

		if tk.text == "BI" {
			if err := lx.skipInlineImage(); err != nil {
				return nil, err
			}
		}
		ops = append(ops, contentOp{op: tk.text, operands: operands, raw: buf[start:lx.pos]})
		operands = nil
	}

	if len(operands) > 0 {
		// Trailing operands without an operator are kept verbatim.
		ops = append(ops, contentOp{raw: buf[start:]})
	}
	return ops, nil
}

// formatNumber writes a content stream number with at most four decimals
func formatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'f', 4, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if s == "-0" {
		return "0"
	}
	return s
}

func writeHexString(buf *bytes.Buffer, b []byte) {
	const digits = "0123456789ABCDEF"
	buf.WriteByte('<')
	for _, c := range b {
		buf.WriteByte(digits[c>>4])
		buf.WriteByte(digits[c&0x0f])
	}
	buf.WriteByte('>')
}

// matrix is a PDF transformation [a b c d e f]
type matrix [6]float64

var identityMatrix = matrix{1, 0, 0, 1, 0, 0}

func translation(tx, ty float64) matrix {
	return matrix{1, 0, 0, 1, tx, ty}
}

// mul returns m applied first, then n
func (m matrix) mul(n matrix) matrix {
	return matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

func (m matrix) apply(x, y float64) (float64, float64) {
	return x*m[0] + y*m[2] + m[4], x*m[1] + y*m[3] + m[5]
}
