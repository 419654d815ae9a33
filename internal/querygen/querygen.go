// Package querygen turns natural-language questions into executable read
// queries against the business reference tables and summarizes the results.
//
// The extraction step is best-effort syntactic recovery over the model's raw
// output, not a SQL parser. Every code path returns a user-facing string: a
// database or model failure never surfaces as an error to the caller.
package querygen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/conversa-dev/conversa/internal/genai"
	"github.com/conversa-dev/conversa/internal/models"
	"github.com/conversa-dev/conversa/internal/store"
)

// DefaultMaxAnswerLength bounds the natural-language summary returned to the
// user, in runes.
const DefaultMaxAnswerLength = 1500

// Fixed user-facing responses.
const (
	// NothingFoundResponse is returned when the generated query executes
	// successfully but matches no rows.
	NothingFoundResponse = "Sorry, I couldn't find any information for your question. Could you try rephrasing it?"
)

const queryPromptTemplate = `Given an input question, create a syntactically correct %s query to run.
Return ONLY the SQL query without any additional text.
Be smart about the type of query needed based on the question.

Possible strategies:
- Use COUNT(*) to count matching rows
- Use SELECT * to fetch full details
- Use appropriate WHERE clauses to filter

Only use the following tables:
%s

Limit the results to %d rows.

Question: %s`

const summarySystemPrompt = `Analyze the SQL query result and provide a clear, concise response to the original question.

Strategies for response:
- If result is a count, summarize the number
- If result is full rows, describe the details
- Use natural language and be informative

Your response should directly address the question and provide meaningful insights.`

const summaryUserTemplate = `Original Question: %s
SQL Query Result: %s`

var (
	fenceRe  = regexp.MustCompile("(?i)```sql|```")
	selectRe = regexp.MustCompile(`(?is)SELECT.*?;`)
	dmlRe    = regexp.MustCompile(`(?is)(?:SELECT|INSERT|UPDATE|DELETE).*?;`)
	// dayRe catches the common model mistake of inventing a bare "day"
	// column; the hours table names it day_of_week. The word boundary keeps
	// existing day_of_week references untouched.
	dayRe = regexp.MustCompile(`(?i)\bday\b`)
)

// SchemaQuerier is the store subset the generator needs: the schema catalog
// and raw read-query execution.
type SchemaQuerier interface {
	TableColumns(ctx context.Context, table string) ([]store.Column, error)
	ExecuteQuery(ctx context.Context, query string) ([]map[string]any, error)
}

// Opts holds configuration options for the query generator.
type Opts struct {
	Dialect         string
	MaxAnswerLength int
}

// Option defines a configuration option for the query generator.
type Option func(*Opts)

// WithDialect names the SQL dialect mentioned in generation prompts
// (e.g. "PostgreSQL", "SQLite").
func WithDialect(d string) Option {
	return func(o *Opts) { o.Dialect = d }
}

// WithMaxAnswerLength bounds the summary length in runes.
func WithMaxAnswerLength(n int) Option {
	return func(o *Opts) { o.MaxAnswerLength = n }
}

// Generator generates, executes, and summarizes read queries.
type Generator struct {
	db        SchemaQuerier
	ai        genai.ClientInterface
	dialect   string
	maxAnswer int
}

// NewGenerator creates a Generator over the given store and GenAI client.
func NewGenerator(db SchemaQuerier, ai genai.ClientInterface, opts ...Option) *Generator {
	cfg := Opts{Dialect: "PostgreSQL", MaxAnswerLength: DefaultMaxAnswerLength}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Generator{db: db, ai: ai, dialect: cfg.Dialect, maxAnswer: cfg.MaxAnswerLength}
}

// Answer answers a natural-language question from the named tables, limited
// to topK rows. It always returns a user-facing string.
func (g *Generator) Answer(ctx context.Context, question string, tables []models.Table, topK int) string {
	schemaText := g.renderSchemas(ctx, tables)

	prompt := fmt.Sprintf(queryPromptTemplate, g.dialect, schemaText, topK, question)
	rawQuery, err := g.ai.GenerateText(ctx, prompt)
	if err != nil {
		slog.Warn("QueryGenerator query generation failed", "error", err)
		return g.apology(question, "", err)
	}

	query := rewriteQuery(ExtractQuery(rawQuery))
	slog.Debug("QueryGenerator generated query", "query", query)

	rows, err := g.db.ExecuteQuery(ctx, query)
	if err != nil {
		slog.Warn("QueryGenerator query execution failed", "error", err, "query", query)
		return g.apology(question, query, err)
	}
	if len(rows) == 0 {
		return NothingFoundResponse
	}

	resultStr := formatResult(query, rows)
	if isCountQuery(query) {
		return resultStr
	}

	summary, err := g.ai.GenerateWithSystem(ctx, summarySystemPrompt, fmt.Sprintf(summaryUserTemplate, question, resultStr))
	if err != nil {
		slog.Warn("QueryGenerator summary generation failed, returning raw result", "error", err)
		return truncate(resultStr, g.maxAnswer)
	}
	return truncate(strings.TrimSpace(summary), g.maxAnswer)
}

// renderSchemas fetches and renders the schema catalog entries for each
// table. A table whose schema cannot be fetched is still named so the model
// knows it exists.
func (g *Generator) renderSchemas(ctx context.Context, tables []models.Table) string {
	var b strings.Builder
	for _, table := range tables {
		columns, err := g.db.TableColumns(ctx, string(table))
		if err != nil || len(columns) == 0 {
			slog.Warn("QueryGenerator schema fetch failed", "table", table, "error", err)
			fmt.Fprintf(&b, "Table %s (schema unavailable)\n", table)
			continue
		}
		fmt.Fprintf(&b, "Table %s has the following columns:\n", table)
		for _, c := range columns {
			fmt.Fprintf(&b, "- %s (%s", c.Name, c.DataType)
			if !c.Nullable {
				b.WriteString(", not null")
			}
			if c.Default != "" {
				fmt.Fprintf(&b, ", default %s", c.Default)
			}
			b.WriteString(")\n")
		}
	}
	return b.String()
}

// ExtractQuery recovers the query from raw model output: code-fence markers
// are stripped, then the first complete SELECT statement is taken, then the
// first complete statement of any kind, then the full cleaned text.
func ExtractQuery(raw string) string {
	clean := strings.TrimSpace(fenceRe.ReplaceAllString(raw, ""))
	if m := selectRe.FindString(clean); m != "" {
		return m
	}
	if m := dmlRe.FindString(clean); m != "" {
		return m
	}
	return clean
}

// rewriteQuery applies deterministic fixes for known schema-naming pitfalls.
func rewriteQuery(query string) string {
	return dayRe.ReplaceAllString(query, "day_of_week")
}

// isCountQuery reports whether the query computes an aggregate count.
func isCountQuery(query string) bool {
	return strings.Contains(strings.ToLower(query), "count(")
}

// formatResult renders result rows as text. Count queries collapse to the
// scalar; everything else is serialized one JSON object per line.
func formatResult(query string, rows []map[string]any) string {
	if isCountQuery(query) {
		for _, key := range []string{"count", "count(*)"} {
			if v, ok := rows[0][key]; ok {
				return fmt.Sprintf("%v", v)
			}
		}
		for _, v := range rows[0] {
			return fmt.Sprintf("%v", v)
		}
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		encoded, err := json.Marshal(row)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%v", row))
			continue
		}
		lines = append(lines, string(encoded))
	}
	return strings.Join(lines, "\n")
}

// apology builds the user-facing failure response, keeping the failed query
// and error visible and adding a topic hint for known ambiguous terms.
func (g *Generator) apology(question, query string, err error) string {
	var b strings.Builder
	b.WriteString("Sorry, I wasn't able to answer that question.")
	if query != "" {
		fmt.Fprintf(&b, "\n\nQuery: %s\nError: %v", query, err)
	} else {
		fmt.Fprintf(&b, "\n\nError: %v", err)
	}
	if strings.Contains(strings.ToLower(question), "weekend") {
		b.WriteString("\n\nHint: opening hours are stored per day name (Monday through Sunday); try asking about Saturday or Sunday directly.")
	}
	return b.String()
}

// truncate bounds s to max runes.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
