// internal/retrieve/retriever.go

// Package retrieve executes the SQL embedded in generated snippets and hands
// rows back as plain maps, the only shape the sandbox knows how to marshal.
package retrieve

import (
	"context"
	"database/sql"

	stderrors "clinquery/internal/common/errors"
	"clinquery/internal/common/logger"
)

// Retriever fetches rows for one query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]map[string]interface{}, error)
}

// SQLRetriever runs queries against the clinical database.
type SQLRetriever struct {
	db     *sql.DB
	logger logger.Logger
}

func NewSQLRetriever(db *sql.DB, log logger.Logger) *SQLRetriever {
	return &SQLRetriever{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "retriever"}),
	}
}

func (r *SQLRetriever) Retrieve(ctx context.Context, query string) ([]map[string]interface{}, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		r.logger.WithError(err).Error("query failed", map[string]interface{}{"query": query})
		return nil, stderrors.NewRetrievalError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, stderrors.NewRetrievalError(err)
	}

	var out []map[string]interface{}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, stderrors.NewRetrievalError(err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = normalize(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewRetrievalError(err)
	}
	return out, nil
}

// normalize converts driver types to the small set the sandbox accepts.
func normalize(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
