package safety

import (
	"fmt"
	"strings"
	"unicode"
)

// IndentWidth is the number of spaces one indentation level adds.
const IndentWidth = 2

type tokenKind int

const (
	tokWord tokenKind = iota
	tokNumber
	tokString
	tokQuoted
	tokOperator
	tokComma
	tokOpenParen
	tokCloseParen
	tokSemicolon
	tokDot
	tokLineComment
	tokBlockComment
)

type token struct {
	kind  tokenKind
	text  string
	upper string
}

var keywords = toSet(`
ADD ALL ALTER AND ANY AS ASC BETWEEN BY CASCADE CASE CHECK COLUMN CONSTRAINT
CREATE CROSS DATABASE DEFAULT DELETE DESC DESCRIBE DISTINCT DROP ELSE END
EXISTS EXPLAIN FALSE FOREIGN FROM FULL GRANT GROUP HAVING IF IN INDEX INNER
INSERT INTO IS JOIN KEY LEFT LIKE ILIKE LIMIT NOT NULL OFFSET ON OR ORDER OUTER
PRIMARY REFERENCES RETURNING REVOKE RIGHT SELECT SET SHOW TABLE TABLES THEN TO
TRUE TRUNCATE UNION UNIQUE UPDATE USING VALUES VIEW WHEN WHERE WITH
INTEGER INT BIGINT SMALLINT TEXT VARCHAR CHAR BOOLEAN REAL FLOAT DOUBLE
DECIMAL NUMERIC DATE TIMESTAMP SERIAL AUTOINCREMENT AUTO_INCREMENT
`)

// Functions keep their argument list attached: COUNT(*), not COUNT (*).
var functions = toSet(`
COUNT SUM AVG MIN MAX COALESCE NULLIF LOWER UPPER LENGTH SUBSTR SUBSTRING
TRIM ROUND ABS NOW CAST DATE_TRUNC CONCAT IFNULL STRFTIME
`)

// Clauses that start a new line at the outer level with their body indented.
var topClauses = [][]string{
	{"INSERT", "INTO"}, {"DELETE", "FROM"}, {"GROUP", "BY"}, {"ORDER", "BY"},
	{"UNION", "ALL"}, {"SELECT"}, {"FROM"}, {"WHERE"}, {"HAVING"}, {"LIMIT"},
	{"OFFSET"}, {"SET"}, {"VALUES"}, {"UPDATE"}, {"UNION"}, {"RETURNING"},
}

// Joins start a new line inside the FROM body.
var joinClauses = [][]string{
	{"LEFT", "OUTER", "JOIN"}, {"RIGHT", "OUTER", "JOIN"}, {"FULL", "OUTER", "JOIN"},
	{"INNER", "JOIN"}, {"LEFT", "JOIN"}, {"RIGHT", "JOIN"}, {"FULL", "JOIN"},
	{"CROSS", "JOIN"}, {"JOIN"},
}

func toSet(words string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(words) {
		set[w] = true
	}
	return set
}

// Format pretty-prints sql with upper-cased keywords and IndentWidth
// indentation. It fails on unterminated literals, quoted identifiers or
// block comments, and when the output would not tokenize back to the
// input's tokens.
func Format(sql string) (string, error) {
	tokens, err := tokenize(sql)
	if err != nil {
		return "", err
	}
	f := &formatter{tokens: tokens}
	out := f.run()

	again, err := tokenize(out)
	if err != nil || !sameTokens(tokens, again) {
		return "", fmt.Errorf("formatted statement does not match the input")
	}
	return out, nil
}

func sameTokens(a, b []token) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].kind != b[i].kind {
			return false
		}
		if a[i].kind == tokWord {
			if a[i].upper != b[i].upper {
				return false
			}
		} else if a[i].text != b[i].text {
			return false
		}
	}
	return true
}

// FormatOrRaw formats sql, returning the input unchanged if formatting fails.
func FormatOrRaw(sql string) string {
	out, err := Format(sql)
	if err != nil {
		return sql
	}
	return out
}

func tokenize(sql string) ([]token, error) {
	var tokens []token
	r := []rune(sql)
	i := 0
	for i < len(r) {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '-' && i+1 < len(r) && r[i+1] == '-':
			j := i
			for j < len(r) && r[j] != '\n' {
				j++
			}
			tokens = append(tokens, token{kind: tokLineComment, text: strings.TrimRight(string(r[i:j]), " \t\r")})
			i = j
		case c == '/' && i+1 < len(r) && r[i+1] == '*':
			end := strings.Index(string(r[i+2:]), "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			j := i + 2 + len([]rune(string(r[i+2:])[:end])) + 2
			tokens = append(tokens, token{kind: tokBlockComment, text: string(r[i:j])})
			i = j
		case c == '\'' || c == '"' || c == '`':
			j, err := scanQuoted(r, i)
			if err != nil {
				return nil, err
			}
			kind := tokQuoted
			if c == '\'' {
				kind = tokString
			}
			tokens = append(tokens, token{kind: kind, text: string(r[i:j])})
			i = j
		case isStringPrefix(c) && i+1 < len(r) && r[i+1] == '\'':
			// E'..', N'..', X'..' and B'..' are one literal.
			j, err := scanQuoted(r, i+1)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: string(r[i:j])})
			i = j
		case c == '$' && dollarTag(r, i) != "":
			j, err := scanDollarQuoted(r, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: string(r[i:j])})
			i = j
		case unicode.IsDigit(c), c == '.' && i+1 < len(r) && unicode.IsDigit(r[i+1]) && !followsOperand(tokens):
			j := scanNumber(r, i)
			tokens = append(tokens, token{kind: tokNumber, text: string(r[i:j])})
			i = j
		case isWordRune(c):
			j := i
			for j < len(r) && (isWordRune(r[j]) || unicode.IsDigit(r[j])) {
				j++
			}
			word := string(r[i:j])
			tokens = append(tokens, token{kind: tokWord, text: word, upper: strings.ToUpper(word)})
			i = j
		case c == ',':
			tokens = append(tokens, token{kind: tokComma, text: ","})
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokOpenParen, text: "("})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokCloseParen, text: ")"})
			i++
		case c == ';':
			tokens = append(tokens, token{kind: tokSemicolon, text: ";"})
			i++
		case c == '.':
			tokens = append(tokens, token{kind: tokDot, text: "."})
			i++
		default:
			j := i + operatorLen(r[i:])
			tokens = append(tokens, token{kind: tokOperator, text: string(r[i:j])})
			i = j
		}
	}
	return tokens, nil
}

func isStringPrefix(c rune) bool {
	switch c {
	case 'E', 'e', 'N', 'n', 'X', 'x', 'B', 'b':
		return true
	}
	return false
}

// followsOperand reports whether a '.' after the last token is a qualifier
// (t.5, "t".x) rather than the start of a number.
func followsOperand(tokens []token) bool {
	if len(tokens) == 0 {
		return false
	}
	switch tokens[len(tokens)-1].kind {
	case tokWord, tokQuoted, tokCloseParen:
		return true
	}
	return false
}

// scanNumber reads a decimal with optional fraction and exponent, or a
// 0x / 0b prefixed literal.
func scanNumber(r []rune, start int) int {
	j := start
	if r[j] == '0' && j+1 < len(r) {
		switch r[j+1] {
		case 'x', 'X':
			k := j + 2
			for k < len(r) && isHexDigit(r[k]) {
				k++
			}
			if k > j+2 {
				return k
			}
		case 'b', 'B':
			k := j + 2
			for k < len(r) && (r[k] == '0' || r[k] == '1') {
				k++
			}
			if k > j+2 {
				return k
			}
		}
	}
	for j < len(r) && (unicode.IsDigit(r[j]) || r[j] == '.') {
		j++
	}
	if j < len(r) && (r[j] == 'e' || r[j] == 'E') {
		k := j + 1
		if k < len(r) && (r[k] == '+' || r[k] == '-') {
			k++
		}
		if k < len(r) && unicode.IsDigit(r[k]) {
			for k < len(r) && unicode.IsDigit(r[k]) {
				k++
			}
			j = k
		}
	}
	return j
}

func isHexDigit(c rune) bool {
	return unicode.IsDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// dollarTag returns the opening delimiter ($$ or $tag$) at start, or "".
func dollarTag(r []rune, start int) string {
	j := start + 1
	for j < len(r) && (r[j] == '_' || unicode.IsLetter(r[j]) || (j > start+1 && unicode.IsDigit(r[j]))) {
		j++
	}
	if j < len(r) && r[j] == '$' {
		return string(r[start : j+1])
	}
	return ""
}

func scanDollarQuoted(r []rune, start int) (int, error) {
	tag := dollarTag(r, start)
	body := string(r[start+len([]rune(tag)):])
	end := strings.Index(body, tag)
	if end < 0 {
		return 0, fmt.Errorf("unterminated dollar-quoted text starting at offset %d", start)
	}
	return start + len([]rune(tag)) + len([]rune(body[:end])) + len([]rune(tag)), nil
}

// Multi-character operators, longest first.
var operators = []string{
	"->>", "#>>", "<=>", "!~*", "~~*", "!~~", "<<=", ">>=",
	"<>", "<=", ">=", "!=", "||", "::", "->", "=>", "#>", "@>", "<@",
	"&&", "<<", ">>", "~*", "!~", "~~", "?|", "?&",
}

func operatorLen(r []rune) int {
	for _, op := range operators {
		n := len(op)
		if len(r) >= n && string(r[:n]) == op {
			return n
		}
	}
	return 1
}

func scanQuoted(r []rune, start int) (int, error) {
	q := r[start]
	j := start + 1
	for j < len(r) {
		if r[j] == q {
			// A doubled quote is an escaped quote.
			if j+1 < len(r) && r[j+1] == q {
				j += 2
				continue
			}
			return j + 1, nil
		}
		if r[j] == '\\' && q == '\'' && j+1 < len(r) {
			j += 2
			continue
		}
		j++
	}
	return 0, fmt.Errorf("unterminated quoted text starting at offset %d", start)
}

func isWordRune(c rune) bool {
	return c == '_' || c == '$' || c == '@' || unicode.IsLetter(c)
}

type formatter struct {
	tokens    []token
	out       strings.Builder
	depth     int
	indent    int
	lineStart bool
	between   bool
	prev      *token
	prevPrev  *token
}

func (f *formatter) run() string {
	f.lineStart = true
	for i := 0; i < len(f.tokens); {
		tok := f.tokens[i]

		if tok.kind == tokWord && f.depth == 0 {
			if n := matchSequence(f.tokens, i, topClauses); n > 0 {
				f.newline(0)
				f.writeWords(i, n)
				f.indent = 1
				f.newline(1)
				i += n
				continue
			}
			if n := matchSequence(f.tokens, i, joinClauses); n > 0 {
				f.newline(1)
				f.writeWords(i, n)
				i += n
				continue
			}
			if tok.upper == "BETWEEN" {
				f.between = true
			}
			if (tok.upper == "AND" || tok.upper == "OR") && f.indent > 0 {
				if tok.upper == "AND" && f.between {
					f.between = false
				} else {
					f.newline(1)
				}
			}
		}

		switch tok.kind {
		case tokOpenParen:
			f.write(tok)
			f.depth++
		case tokCloseParen:
			if f.depth > 0 {
				f.depth--
			}
			f.write(tok)
		case tokComma:
			f.write(tok)
			if f.depth == 0 && f.indent > 0 {
				f.newline(1)
			}
		case tokSemicolon:
			f.write(tok)
			f.indent = 0
			if i+1 < len(f.tokens) {
				f.out.WriteString("\n")
				f.newline(0)
			}
		case tokLineComment:
			f.write(tok)
			f.newline(f.indent)
		default:
			f.write(tok)
		}
		i++
	}
	return strings.TrimRight(f.out.String(), " \n")
}

func matchSequence(tokens []token, i int, seqs [][]string) int {
	for _, seq := range seqs {
		if i+len(seq) > len(tokens) {
			continue
		}
		ok := true
		for k, w := range seq {
			if tokens[i+k].kind != tokWord || tokens[i+k].upper != w {
				ok = false
				break
			}
		}
		if ok {
			return len(seq)
		}
	}
	return 0
}

func (f *formatter) writeWords(i, n int) {
	for k := 0; k < n; k++ {
		f.write(f.tokens[i+k])
	}
}

func (f *formatter) newline(level int) {
	if f.out.Len() == 0 {
		f.lineStart = true
		return
	}
	if f.lineStart {
		// Replace indentation of an empty line instead of stacking lines.
		s := strings.TrimRight(f.out.String(), " ")
		f.out.Reset()
		f.out.WriteString(s)
	} else {
		f.out.WriteString("\n")
	}
	f.out.WriteString(strings.Repeat(" ", level*IndentWidth))
	f.lineStart = true
}

func (f *formatter) write(tok token) {
	text := tok.text
	if tok.kind == tokWord && (keywords[tok.upper] || functions[tok.upper]) {
		text = tok.upper
	}
	if !f.lineStart && f.needsSpace(tok) {
		f.out.WriteString(" ")
	}
	f.out.WriteString(text)
	f.lineStart = false
	f.prevPrev = f.prev
	t := tok
	f.prev = &t
}

func (f *formatter) needsSpace(cur token) bool {
	prev := f.prev
	if prev == nil {
		return false
	}
	switch cur.kind {
	case tokComma, tokCloseParen, tokSemicolon, tokDot:
		return false
	}
	switch prev.kind {
	case tokOpenParen, tokDot:
		return false
	}
	if cur.text == "::" || prev.text == "::" {
		return false
	}
	if cur.kind == tokOpenParen && prev.kind == tokWord {
		if functions[prev.upper] {
			return false
		}
		if keywords[prev.upper] {
			return true
		}
		// A table name followed by a column list keeps the space.
		if f.prevPrev != nil && f.prevPrev.kind == tokWord && (f.prevPrev.upper == "TABLE" || f.prevPrev.upper == "INTO" || f.prevPrev.upper == "EXISTS") {
			return true
		}
		if f.lineStart {
			return true
		}
		return false
	}
	return true
}
