package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultSeparator is the MESSAGE_SEPARATOR default.
const DefaultSeparator = `\`

// MessageType distinguishes a plain query message from a workflow message.
type MessageType string

const (
	// TypeQuery is the default, implicit message type: dataset/product/query/format.
	TypeQuery MessageType = "query"
	// TypeWorkflow carries a task-list DAG instead of a single dataset/product/query.
	TypeWorkflow MessageType = "workflow"
)

// QueryEnvelope is the decoded form of a plain query message:
// <request_id><sep><dataset><sep><product><sep><query_json><sep><format>.
type QueryEnvelope struct {
	RequestID int64
	Dataset   string
	Product   string
	QueryJSON string
	Format    string
}

// EncodeQuery builds the wire body for a plain query message.
func EncodeQuery(sep string, e QueryEnvelope) string {
	return strings.Join([]string{
		strconv.FormatInt(e.RequestID, 10), e.Dataset, e.Product, e.QueryJSON, e.Format,
	}, sep)
}

// WorkflowEnvelope is the decoded form of a workflow message:
// <request_id><sep>workflow<sep><task_list_json>.
type WorkflowEnvelope struct {
	RequestID    int64
	TaskListJSON string
}

// EncodeWorkflow builds the wire body for a workflow message.
func EncodeWorkflow(sep string, e WorkflowEnvelope) string {
	return strings.Join([]string{
		strconv.FormatInt(e.RequestID, 10), string(TypeWorkflow), e.TaskListJSON,
	}, sep)
}

// PeekType returns the message type encoded in body without fully decoding
// it, so the executor can dispatch before committing to a decode path.
// Plain query messages have their dataset in the second field, never the
// literal string "workflow", so this discriminates reliably.
func PeekType(sep, body string) MessageType {
	parts := strings.SplitN(body, sep, 3)
	if len(parts) >= 2 && MessageType(parts[1]) == TypeWorkflow {
		return TypeWorkflow
	}
	return TypeQuery
}

// DecodeQuery parses a plain query message body.
func DecodeQuery(sep, body string) (QueryEnvelope, error) {
	parts := strings.SplitN(body, sep, 5)
	if len(parts) != 5 {
		return QueryEnvelope{}, fmt.Errorf("queue: malformed query message: expected 5 fields, got %d", len(parts))
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return QueryEnvelope{}, fmt.Errorf("queue: malformed request id %q: %w", parts[0], err)
	}
	return QueryEnvelope{
		RequestID: id,
		Dataset:   parts[1],
		Product:   parts[2],
		QueryJSON: parts[3],
		Format:    parts[4],
	}, nil
}

// DecodeWorkflow parses a workflow message body.
func DecodeWorkflow(sep, body string) (WorkflowEnvelope, error) {
	parts := strings.SplitN(body, sep, 3)
	if len(parts) != 3 || MessageType(parts[1]) != TypeWorkflow {
		return WorkflowEnvelope{}, fmt.Errorf("queue: malformed workflow message")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return WorkflowEnvelope{}, fmt.Errorf("queue: malformed request id %q: %w", parts[0], err)
	}
	return WorkflowEnvelope{RequestID: id, TaskListJSON: parts[2]}, nil
}
