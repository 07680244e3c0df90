package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
)

// ErrEmptyReply is returned when the model answered with no SQL.
var ErrEmptyReply = errors.New("language model returned no SQL")

// Generator turns a natural-language question into one SQL statement for
// the named database engine. schema may be nil.
type Generator interface {
	GenerateSQL(ctx context.Context, question, dbKind string, schema any) (string, error)
}

// Asker is the part of Client the generator needs.
type Asker interface {
	AskNonStreaming(ctx context.Context, prompt string) (string, error)
}

// SQLGenerator asks a language model for SQL and strips the reply down to
// the statement.
type SQLGenerator struct {
	asker Asker
}

func NewSQLGenerator(a Asker) *SQLGenerator {
	return &SQLGenerator{asker: a}
}

func (g *SQLGenerator) GenerateSQL(ctx context.Context, question, dbKind string, schema any) (string, error) {
	prompt, err := BuildPrompt(question, dbKind, schema)
	if err != nil {
		return "", err
	}

	reply, err := g.asker.AskNonStreaming(ctx, prompt)
	if err != nil {
		return "", err
	}

	sql := ExtractSQL(reply)
	if sql == "" {
		return "", ErrEmptyReply
	}
	log.Debugf("generated %s SQL for %q: %s", dbKind, question, sql)
	return sql, nil
}

// BuildPrompt renders the generation prompt. A schema is embedded as JSON
// indented by two spaces.
func BuildPrompt(question, dbKind string, schema any) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert SQL query generator. Convert the following natural language question into a valid %s SQL query.\n\n", dbKind)
	b.WriteString("IMPORTANT RULES:\n")
	b.WriteString("1. Return ONLY the SQL query without any explanation or markdown formatting\n")
	b.WriteString("2. Do not include semicolons at the end\n")
	fmt.Fprintf(&b, "3. Use proper %s syntax\n", dbKind)
	b.WriteString("4. If the question is ambiguous, make reasonable assumptions")

	schemaJSON, err := indentSchema(schema)
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	if schemaJSON != "" {
		b.WriteString("\n\nDatabase Schema:\n")
		b.WriteString(schemaJSON)
	}

	fmt.Fprintf(&b, "\n\nQuestion: %s\n\nSQL Query:", question)
	return b.String(), nil
}

func indentSchema(schema any) (string, error) {
	switch s := schema.(type) {
	case nil:
		return "", nil
	case json.RawMessage:
		trimmed := bytes.TrimSpace(s)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return "", nil
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		out, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return "", err
		}
		if string(out) == "null" {
			return "", nil
		}
		return string(out), nil
	}
}
