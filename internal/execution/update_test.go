// ABOUTME: Tests for execution report decoding, step descriptions, and the report filter
// ABOUTME: Covers health payloads on the shared topic and both startedAt encodings

package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	u, err := Parse([]byte(`{
		"executionId": "ex-1",
		"teamId": "team-a",
		"status": "RUNNING",
		"currentStep": 2,
		"totalSteps": 3,
		"currentStepTarget": "openai-chat",
		"currentStepAction": "generate",
		"startedAt": "2026-10-18T09:30:00",
		"memoryUsage": {"heapUsed": 1}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "ex-1", u.ExecutionID)
	assert.Equal(t, "team-a", u.TeamID)
	assert.Equal(t, StatusRunning, u.Status)
	assert.Equal(t, 2, u.CurrentStep)
	assert.Equal(t, time.Date(2026, 10, 18, 9, 30, 0, 0, time.Local), u.StartedAt.Time())
}

func TestParse_ArrayTimestamp(t *testing.T) {
	u, err := Parse([]byte(`{"executionId":"ex-1","startedAt":[2026,10,18,9,30,15,500]}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 18, 9, 30, 15, 500, time.Local), u.StartedAt.Time())

	u, err = Parse([]byte(`{"executionId":"ex-2","startedAt":null}`))
	require.NoError(t, err)
	assert.True(t, u.StartedAt.Time().IsZero())
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"health array": `[{"service":"api-gateway","status":"UP"}]`,
		"scalar":       `"ping"`,
		"empty":        ``,
		"no execution": `{"type":"DOCUMENT_STATUS_UPDATE","documentId":"d1"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.ErrorIs(t, err, ErrNotUpdate)
		})
	}

	_, err := Parse([]byte(`{"executionId":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotUpdate)

	_, err = Parse([]byte(`{"executionId":"ex-1","startedAt":"yesterday"}`))
	require.Error(t, err)
}

func TestStepDescription(t *testing.T) {
	tests := []struct {
		name string
		u    Update
		want string
	}{
		{"explicit name", Update{CurrentStepName: "Ranking results", CurrentStepTarget: "milvus"}, "Ranking results"},
		{"gateway create", Update{CurrentStepTarget: "api-gateway", CurrentStepAction: "create"}, "Searching knowledge base for relevant information..."},
		{"milvus search", Update{CurrentStepTarget: "milvus-service", CurrentStepAction: "search"}, "Searching knowledge base..."},
		{"milvus other", Update{CurrentStepTarget: "milvus-service", CurrentStepAction: "delete"}, "Processing knowledge base data..."},
		{"gateway other", Update{CurrentStepTarget: "api-gateway", CurrentStepAction: "read"}, "Processing knowledge base data..."},
		{"model", Update{CurrentStepTarget: "gemini-chat", CurrentStepAction: "generate"}, "Generating answer using AI..."},
		{"generic", Update{CurrentStepTarget: "quotes-service", CurrentStepAction: "fetch"}, "Fetch quotes service..."},
		{"nothing known", Update{}, "Processing service..."},
		{"with progress", Update{CurrentStepTarget: "milvus", CurrentStepAction: "search", CurrentStep: 1, TotalSteps: 3}, "Step 1 of 3: Searching knowledge base..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StepDescription(tt.u))
		})
	}
}

func TestStatusLine(t *testing.T) {
	step := Update{CurrentStepTarget: "claude-chat", CurrentStep: 2, TotalSteps: 2}

	tests := []struct {
		status string
		u      Update
		want   string
	}{
		{StatusStarted, step, TextStarted},
		{StatusRunning, step, "Step 2 of 2: Generating answer using AI..."},
		{StatusCompleted, step, TextCompleted},
		{StatusFailed, Update{ErrorMessage: "quota exceeded"}, "Task execution failed: quota exceeded"},
		{StatusFailed, Update{}, "Task execution failed: Unknown error"},
		{StatusCancelled, step, "Step 2 of 2: Generating answer using AI..."},
	}
	for _, tt := range tests {
		u := tt.u
		u.Status = tt.status
		assert.Equal(t, tt.want, StatusLine(u), tt.status)
	}
}

func TestFilter_Accept(t *testing.T) {
	since := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) Update {
		return Update{ExecutionID: "ex", TeamID: "team-a", StartedAt: NewTimestamp(since.Add(d))}
	}

	f := Filter{TeamID: "team-a", MaxAge: DefaultMaxAge}
	assert.True(t, f.Accept(at(time.Second), since))
	assert.True(t, f.Accept(at(-time.Minute), since), "started shortly before monitoring")
	assert.False(t, f.Accept(at(-3*time.Minute), since), "stale execution")
	assert.True(t, f.Accept(Update{TeamID: "team-a"}, since), "no start time")

	other := at(0)
	other.TeamID = "team-b"
	assert.False(t, f.Accept(other, since))

	assert.True(t, DefaultFilter().Accept(other, since), "empty team accepts all")
	assert.True(t, Filter{}.Accept(at(-time.Hour), since), "zero max age")
}
