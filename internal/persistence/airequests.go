package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/id"
)

// BeginAiRequest records a provider call in the pending state before the
// wire call is made, with the prompt messages that will be sent.
func (s *Store) BeginAiRequest(ctx context.Context, req AiRequest, prompt []AiRequestMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ai_requests (request_id, provider, model, status, task_id)
			VALUES ($1, $2, $3, 'pending', $4)`,
			req.RequestID, req.Provider, req.Model, req.TaskID)
		if err != nil {
			return fmt.Errorf("insert ai request %s: %w", req.RequestID, err)
		}
		for i, m := range prompt {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO ai_request_messages (request_id, sequence_number, role, content)
				VALUES ($1, $2, $3, $4)`,
				req.RequestID, i+1, m.Role, m.Content)
			if err != nil {
				return fmt.Errorf("insert ai request message %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// CompleteAiRequest stamps usage, the pricing snapshot, cost, and latency on
// a pending request and records any tool calls the provider planned.
func (s *Store) CompleteAiRequest(ctx context.Context, req AiRequest, toolCalls []AiRequestToolCall) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE ai_requests SET
				status = 'completed',
				input_tokens = $2,
				output_tokens = $3,
				cost_microdollars = $4,
				input_price_per_1k = $5,
				output_price_per_1k = $6,
				latency_ms = $7
			WHERE request_id = $1 AND status = 'pending'`,
			req.RequestID, req.InputTokens, req.OutputTokens, req.CostMicrodollars,
			req.InputPricePer1K, req.OutputPricePer1K, req.LatencyMs)
		if err != nil {
			return fmt.Errorf("complete ai request %s: %w", req.RequestID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("ai request %s not pending: %w", req.RequestID, ErrNotFound)
		}
		for _, tc := range toolCalls {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO ai_request_tool_calls (ai_tool_call_id, request_id, sequence_number, tool_name, arguments)
				VALUES ($1, $2, $3, $4, $5)`,
				tc.AiToolCallID, req.RequestID, tc.SequenceNumber, tc.ToolName, nullableJSON(tc.Arguments))
			if err != nil {
				return fmt.Errorf("insert tool call %s: %w", tc.AiToolCallID, err)
			}
		}
		return nil
	})
}

// FailAiRequest marks a pending request failed with the provider error.
func (s *Store) FailAiRequest(ctx context.Context, reqID id.RequestID, latencyMs int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ai_requests SET status = 'failed', latency_ms = $2, error_message = $3
		WHERE request_id = $1 AND status = 'pending'`,
		reqID, latencyMs, errMsg)
	if err != nil {
		return fmt.Errorf("fail ai request %s: %w", reqID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ai request %s not pending: %w", reqID, ErrNotFound)
	}
	return nil
}

// LinkToolCallExecution sets the MCP execution id on a planned tool call.
// The link is monotonic: once set it is never overwritten or cleared.
func (s *Store) LinkToolCallExecution(ctx context.Context, toolCallID id.AiToolCallID, mcpExecutionID string) error {
	if mcpExecutionID == "" {
		return fmt.Errorf("tool call %s: empty execution id: %w", toolCallID, ErrIntegrity)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ai_request_tool_calls SET mcp_execution_id = $2
		WHERE ai_tool_call_id = $1 AND mcp_execution_id = ''`,
		toolCallID, mcpExecutionID)
	if err != nil {
		return fmt.Errorf("link tool call %s: %w", toolCallID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the call does not exist or it is already linked; only the
		// former is an error.
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT mcp_execution_id FROM ai_request_tool_calls WHERE ai_tool_call_id = $1`,
			toolCallID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("tool call %s: %w", toolCallID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("check tool call %s: %w", toolCallID, err)
		}
	}
	return nil
}

// GetAiRequest returns one recorded provider call.
func (s *Store) GetAiRequest(ctx context.Context, reqID id.RequestID) (*AiRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, provider, model, input_tokens, output_tokens, cost_microdollars,
			input_price_per_1k, output_price_per_1k, latency_ms, status, task_id, error_message, created_at
		FROM ai_requests WHERE request_id = $1`, reqID)
	var r AiRequest
	err := row.Scan(&r.RequestID, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens,
		&r.CostMicrodollars, &r.InputPricePer1K, &r.OutputPricePer1K, &r.LatencyMs,
		&r.Status, &r.TaskID, &r.ErrorMessage, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ai request %s: %w", reqID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ai request %s: %w", reqID, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// ListAiRequestsByTask returns the provider calls made for one task, oldest
// first, for cost rollups.
func (s *Store) ListAiRequestsByTask(ctx context.Context, taskID id.TaskID) ([]AiRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, provider, model, input_tokens, output_tokens, cost_microdollars,
			input_price_per_1k, output_price_per_1k, latency_ms, status, task_id, error_message, created_at
		FROM ai_requests WHERE task_id = $1 ORDER BY created_at, request_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list ai requests for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []AiRequest
	for rows.Next() {
		var r AiRequest
		if err := rows.Scan(&r.RequestID, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens,
			&r.CostMicrodollars, &r.InputPricePer1K, &r.OutputPricePer1K, &r.LatencyMs,
			&r.Status, &r.TaskID, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ai request: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// TaskCostMicrodollars sums completed request costs for a task.
func (s *Store) TaskCostMicrodollars(ctx context.Context, taskID id.TaskID) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_microdollars), 0)
		FROM ai_requests WHERE task_id = $1 AND status = 'completed'`, taskID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum task cost %s: %w", taskID, err)
	}
	return total, nil
}
