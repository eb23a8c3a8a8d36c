package queue_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/geodds/internal/queue"
)

func TestQueryRoundTrip(t *testing.T) {
	e := queue.QueryEnvelope{
		RequestID: 42,
		Dataset:   "era5",
		Product:   "reanalysis",
		QueryJSON: `{"variable":"t2m"}`,
		Format:    "netcdf",
	}
	body := queue.EncodeQuery(queue.DefaultSeparator, e)
	require.Equal(t, queue.TypeQuery, queue.PeekType(queue.DefaultSeparator, body))

	got, err := queue.DecodeQuery(queue.DefaultSeparator, body)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestWorkflowRoundTrip(t *testing.T) {
	e := queue.WorkflowEnvelope{
		RequestID:    7,
		TaskListJSON: `{"tasks":[{"id":"a","op":"subset"}]}`,
	}
	body := queue.EncodeWorkflow(queue.DefaultSeparator, e)
	require.Equal(t, queue.TypeWorkflow, queue.PeekType(queue.DefaultSeparator, body))

	got, err := queue.DecodeWorkflow(queue.DefaultSeparator, body)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestDecodeQueryRejectsMalformed(t *testing.T) {
	_, err := queue.DecodeQuery(queue.DefaultSeparator, `not-enough-fields`)
	require.Error(t, err)
}
