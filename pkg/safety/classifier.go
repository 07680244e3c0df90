// Package safety classifies SQL text by risk and decides, per safety mode,
// whether a statement may run, must be confirmed first, or is rejected.
//
// Classification is keyword based, not a grammar. Comments, string literals
// and unusual whitespace can produce a wrong category; that is a known
// limitation and is not special-cased here.
package safety

import (
	"regexp"
	"strings"
)

// Category partitions SQL statements by the kind of change they can make.
type Category int

const (
	CategoryUnknown Category = iota
	CategorySelect
	CategoryDataMutation
	CategorySchemaMutation
)

func (c Category) String() string {
	switch c {
	case CategorySelect:
		return "select-like"
	case CategoryDataMutation:
		return "data-mutation"
	case CategorySchemaMutation:
		return "schema-mutation"
	default:
		return "unknown"
	}
}

// IsMutation reports whether the category changes data or schema.
func (c Category) IsMutation() bool {
	return c == CategoryDataMutation || c == CategorySchemaMutation
}

// Statement is a classified SQL text. It is never modified after Classify
// returns it.
type Statement struct {
	Raw            string
	Normalized     string
	StatementCount int
	Category       Category
	QueryType      string
	// MutatedTable is the table a mutation targets, or "" when it could not
	// be resolved (multi-table UPDATE, uncovered DDL).
	MutatedTable string
	// MutatedTableRef is MutatedTable as written, with identifier quoting
	// kept so case-sensitive names still resolve.
	MutatedTableRef string
}

// IsEmpty reports whether the statement has no content after trimming.
func (s Statement) IsEmpty() bool {
	return s.Normalized == ""
}

// Classifier turns raw SQL into a Statement. The policy engine only
// consumes the Statement, so a parser-backed Classifier can replace the
// keyword one without touching policy logic.
type Classifier interface {
	Classify(sql string) Statement
}

// Keyword lists, checked in this order. The first match decides QueryType.
var (
	schemaKeywords = []string{"DROP", "TRUNCATE", "ALTER", "CREATE", "GRANT", "REVOKE"}
	dataKeywords   = []string{"INSERT", "UPDATE", "DELETE"}
	readKeywords   = []string{"SELECT", "SHOW", "DESCRIBE", "EXPLAIN"}
)

// identifier matches an optionally quoted, optionally schema-qualified name.
const identifier = "((?:[`\"']?[\\w$]+[`\"']?\\.)*[`\"']?[\\w$]+[`\"']?)"

var tablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bINSERT\s+INTO\s+` + identifier),
	regexp.MustCompile(`(?i)\bUPDATE\s+` + identifier + `\s+SET\b`),
	regexp.MustCompile(`(?i)\bDELETE\s+FROM\s+` + identifier),
	regexp.MustCompile(`(?i)\bCREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + identifier),
	regexp.MustCompile(`(?i)\bDROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?` + identifier),
	regexp.MustCompile(`(?i)\bALTER\s+TABLE\s+` + identifier),
	regexp.MustCompile(`(?i)\bTRUNCATE\s+(?:TABLE\s+)?` + identifier),
}

var (
	schemaPatterns = compileWordPatterns(schemaKeywords)
	dataPatterns   = compileWordPatterns(dataKeywords)
	readPrefix     = regexp.MustCompile(`^(?:` + strings.Join(readKeywords, "|") + `)\b`)
	quoteStripper  = strings.NewReplacer("`", "", `"`, "", "'", "")
)

type wordPattern struct {
	keyword string
	re      *regexp.Regexp
}

func compileWordPatterns(keywords []string) []wordPattern {
	out := make([]wordPattern, len(keywords))
	for i, kw := range keywords {
		out[i] = wordPattern{keyword: kw, re: regexp.MustCompile(`\b` + kw + `\b`)}
	}
	return out
}

// KeywordClassifier is the default pattern-matching Classifier.
type KeywordClassifier struct{}

// NewClassifier returns the keyword classifier.
func NewClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// Classify derives category, statement count and target table from sql.
func (c *KeywordClassifier) Classify(sql string) Statement {
	stmt := Statement{
		Raw:            sql,
		Normalized:     strings.ToUpper(strings.TrimSpace(sql)),
		StatementCount: countStatements(sql),
		Category:       CategoryUnknown,
		QueryType:      "unknown",
	}

	if kw, ok := firstMatch(schemaPatterns, stmt.Normalized); ok {
		stmt.Category = CategorySchemaMutation
		stmt.QueryType = strings.ToLower(kw)
	} else if kw, ok := firstMatch(dataPatterns, stmt.Normalized); ok {
		stmt.Category = CategoryDataMutation
		stmt.QueryType = strings.ToLower(kw)
	} else if readPrefix.MatchString(stmt.Normalized) {
		stmt.Category = CategorySelect
		stmt.QueryType = "select"
	}

	if stmt.Category.IsMutation() {
		stmt.MutatedTable = ExtractTableName(sql)
		stmt.MutatedTableRef = ExtractTableRef(sql)
	}
	return stmt
}

// countStatements counts non-empty segments between semicolons.
func countStatements(sql string) int {
	n := 0
	for _, seg := range strings.Split(sql, ";") {
		if strings.TrimSpace(seg) != "" {
			n++
		}
	}
	return n
}

func firstMatch(patterns []wordPattern, text string) (string, bool) {
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return p.keyword, true
		}
	}
	return "", false
}

// ExtractTableName returns the table named right after a mutating clause,
// with quoting characters removed, or "" when no known form matches.
func ExtractTableName(sql string) string {
	for _, re := range tablePatterns {
		if m := re.FindStringSubmatch(sql); m != nil {
			return quoteStripper.Replace(m[1])
		}
	}
	return ""
}

// ExtractTableRef returns the table named right after a mutating clause
// with each quoted part kept quoted. Single-quoted parts become
// double-quoted and unbalanced quotes are dropped.
func ExtractTableRef(sql string) string {
	for _, re := range tablePatterns {
		m := re.FindStringSubmatch(sql)
		if m == nil {
			continue
		}
		parts := strings.Split(m[1], ".")
		for i, p := range parts {
			inner := quoteStripper.Replace(p)
			if len(p) >= 2 && p[0] == p[len(p)-1] && strings.ContainsRune("`\"'", rune(p[0])) {
				q := string(p[0])
				if q == "'" {
					q = `"`
				}
				parts[i] = q + inner + q
			} else {
				parts[i] = inner
			}
		}
		return strings.Join(parts, ".")
	}
	return ""
}

// DefaultClassifier is a package-level classifier instance for convenience.
var DefaultClassifier Classifier = NewClassifier()

// Classify is a convenience function using the default classifier.
func Classify(sql string) Statement {
	return DefaultClassifier.Classify(sql)
}
