package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UsageRepo is the only writer for the usage table; the usage pipeline is the
// only caller that issues multi-row inserts.
type UsageRepo struct {
	db *DB
}

const usageCols = 12

// InsertBatch writes every row in one parameterized multi-row statement inside
// a single transaction.
func (r *UsageRepo) InsertBatch(ctx context.Context, rows []UsageRow) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s
		(ts, api_type, user_id, model, request_id, prompt_tokens, completion_tokens, total_tokens, input_count, extra_data, host, pid)
		VALUES `, r.db.table("usage"))

	args := make([]interface{}, 0, len(rows)*usageCols)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < usageCols; j++ {
			if j > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*usageCols+j+1)
		}
		sb.WriteByte(')')

		args = append(args,
			row.TS, row.APIType, row.UserID, row.Model, row.RequestID,
			row.PromptTokens, row.CompletionTokens, row.TotalTokens,
			row.InputCount, marshalExtra(row.ExtraData), row.Host, row.PID)
	}

	tx, err := r.db.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return classify(err)
	}
	return tx.Commit()
}

// marshalExtra serializes extra_data, coercing non-serializable values to
// their string form rather than dropping the row.
func marshalExtra(extra map[string]interface{}) interface{} {
	if len(extra) == 0 {
		return nil
	}
	b, err := json.Marshal(extra)
	if err == nil {
		return b
	}
	coerced := make(map[string]interface{}, len(extra))
	for k, v := range extra {
		if _, err := json.Marshal(v); err != nil {
			coerced[k] = fmt.Sprint(v)
		} else {
			coerced[k] = v
		}
	}
	b, err = json.Marshal(coerced)
	if err != nil {
		return nil
	}
	return b
}
