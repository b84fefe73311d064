package tools

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/model"
	logx "github.com/insight-agent/server/pkg/logger"
)

// ===================================
// Sales DB Query Tool
// ===================================

// sqlErrorPrefix is the in-band marker the agent prompt keys on for its
// self-correction protocol.
const sqlErrorPrefix = "SQL error: "

type QuerySalesDBInput struct {
	Query string `json:"query"`
}

type QuerySalesDBOutput struct {
	Status string `json:"status"`
	Rows   string `json:"rows,omitempty"`
	Error  string `json:"error,omitempty"`
}

var limitRE = regexp.MustCompile(`(?i)\blimit\s+\d+`)

func newQuerySalesDBTool(db *sql.DB, cfg model.SalesDBConfig) tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolQuerySalesDB,
			Desc: "Runs a read-only SQL query against the sales database. Use it to fetch exact figures from the tables: customers, products, orders, order_items, inventory. Input: a valid PostgreSQL SELECT statement without a trailing semicolon. Output: result rows as text.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {
					Type:     "string",
					Desc:     "A single PostgreSQL SELECT (or WITH) statement. No semicolon at the end; a row limit is applied automatically when missing.",
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *QuerySalesDBInput) (*QuerySalesDBOutput, error) {
			query, err := NormalizeQuery(in.Query, cfg.RowLimit)
			if err != nil {
				return &QuerySalesDBOutput{
					Status: StatusError,
					Error:  sqlErrorPrefix + err.Error() + ". Check the statement and try again.",
				}, nil
			}

			logx.Debug().Str("query", query).Msg("Running sales DB query")

			rows, err := db.QueryContext(ctx, query)
			if err != nil {
				return &QuerySalesDBOutput{
					Status: StatusError,
					Error:  sqlErrorPrefix + err.Error() + ". Check the syntax, table, and column names, then try again.",
				}, nil
			}
			defer rows.Close()

			text, count, err := renderRows(rows)
			if err != nil {
				return &QuerySalesDBOutput{
					Status: StatusError,
					Error:  sqlErrorPrefix + err.Error(),
				}, nil
			}
			if count == 0 {
				return &QuerySalesDBOutput{Status: StatusEmpty, Rows: "query returned no rows"}, nil
			}
			return &QuerySalesDBOutput{Status: StatusOK, Rows: text}, nil
		},
	)
}

// NormalizeQuery strips a trailing semicolon, rejects anything that is
// not a read query, and injects the default row limit when absent.
func NormalizeQuery(query string, rowLimit int) (string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	q = strings.TrimSpace(q)
	if q == "" {
		return "", fmt.Errorf("empty query")
	}

	head := strings.ToLower(q)
	if !strings.HasPrefix(head, "select") && !strings.HasPrefix(head, "with") {
		return "", fmt.Errorf("only read queries are allowed")
	}
	if strings.ContainsRune(q, ';') {
		return "", fmt.Errorf("multiple statements are not allowed")
	}

	if rowLimit > 0 && !limitRE.MatchString(q) {
		q = fmt.Sprintf("%s LIMIT %d", q, rowLimit)
	}
	return q, nil
}

// renderRows flattens a result set into aligned text the model can read.
func renderRows(rows *sql.Rows) (string, int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", 0, err
	}

	var b strings.Builder
	b.WriteString(strings.Join(cols, " | "))
	b.WriteByte('\n')

	values := make([]any, len(cols))
	for i := range values {
		values[i] = new(sql.NullString)
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(values...); err != nil {
			return "", 0, err
		}
		fields := make([]string, len(cols))
		for i, v := range values {
			ns := v.(*sql.NullString)
			if ns.Valid {
				fields[i] = ns.String
			} else {
				fields[i] = "NULL"
			}
		}
		b.WriteString(strings.Join(fields, " | "))
		b.WriteByte('\n')
		count++
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}
	return strings.TrimRight(b.String(), "\n"), count, nil
}

// DescribeSalesSchema reads table and column definitions from the
// information schema, for the agent system prompt.
func DescribeSalesSchema(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		  AND table_name IN ('customers', 'products', 'orders', 'order_items', 'inventory')
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return "", fmt.Errorf("describe sales schema: %w", err)
	}
	defer rows.Close()

	tables := map[string][]string{}
	var order []string
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return "", fmt.Errorf("describe sales schema: %w", err)
		}
		if _, ok := tables[table]; !ok {
			order = append(order, table)
		}
		tables[table] = append(tables[table], fmt.Sprintf("%s %s", column, dataType))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("describe sales schema: %w", err)
	}

	var b strings.Builder
	for _, t := range order {
		fmt.Fprintf(&b, "   %s(%s)\n", t, strings.Join(tables[t], ", "))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
