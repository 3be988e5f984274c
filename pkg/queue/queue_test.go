package queue_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgplay/backend/pkg/queue"
)

func TestNewJob(t *testing.T) {
	payload := queue.CoverImportPayload{OrganizationID: uuid.New(), GameID: uuid.New(), SourceURL: "https://img.test/a.png"}
	job, err := queue.NewJob(queue.JobTypeCoverImport, payload)
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, queue.JobTypeCoverImport, job.Type)
	assert.Zero(t, job.Attempt)

	var got queue.CoverImportPayload
	require.NoError(t, json.Unmarshal(job.Payload, &got))
	assert.Equal(t, payload, got)
}

func TestRetryTarget(t *testing.T) {
	tests := []struct {
		attempt int
		want    string
	}{
		{1, queue.QueueCovers},
		{2, queue.QueueCovers},
		{3, queue.QueueDLQ},
		{4, queue.QueueDLQ},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, queue.RetryTarget(&queue.Job{Attempt: tt.attempt}), "attempt %d", tt.attempt)
	}
}
