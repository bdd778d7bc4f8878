package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kaizen-engine/workflow"
)

func sampleEvent() workflow.StageEvent {
	return workflow.StageEvent{
		ProposalID:   "p-1",
		ManagementNo: "20231015-001",
		Stage:        workflow.StageManager,
		Status:       workflow.StatusApproved,
		NextStage:    workflow.StageCommittee,
		ActorID:      "U9",
		ActorName:    "部門長A",
		At:           time.Date(2023, time.October, 15, 9, 30, 0, 0, time.UTC),
	}
}

func TestNewMessage(t *testing.T) {
	m := NewMessage(sampleEvent())

	assert.Equal(t, "stage_approved", m.EventType)
	assert.Equal(t, "manager", m.Stage)
	assert.Equal(t, "部門長", m.StageLabel)
	assert.Equal(t, "承認", m.StatusLabel)
	assert.Equal(t, "committee", m.NextStage)
	assert.False(t, m.Completed)
}

func TestWebhook_Delivers(t *testing.T) {
	var (
		got    Message
		header string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Kaizen-Event")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, hook.StageDecided(context.Background(), sampleEvent()))

	assert.Equal(t, "stage_approved", header)
	assert.Equal(t, "p-1", got.ProposalID)
	assert.Equal(t, "20231015-001", got.ManagementNo)
	assert.True(t, got.At.Equal(sampleEvent().At))
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second, zerolog.Nop()).StageDecided(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATS_PublishesOnStatusSubject(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATS(pub, "", zerolog.Nop())

	ev := sampleEvent()
	ev.Status = workflow.StatusRejected
	require.NoError(t, n.StageDecided(context.Background(), ev))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "kaizen.stage.rejected", pub.subjects[0])

	var m Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &m))
	assert.Equal(t, "stage_rejected", m.EventType)
}

func TestNATS_PublishError(t *testing.T) {
	n := NewNATS(&fakePublisher{err: errors.New("closed")}, "custom", zerolog.Nop())
	err := n.StageDecided(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custom.approved")
}

func TestLog_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(zerolog.New(&buf))

	require.NoError(t, l.StageDecided(context.Background(), sampleEvent()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "notify", line["component"])
	assert.Equal(t, "p-1", line["proposal_id"])
	assert.Equal(t, "committee", line["next_stage"])
}

func TestMulti_CallsAllAndJoinsErrors(t *testing.T) {
	var calls int
	ok := workflow.NotifierFunc(func(context.Context, workflow.StageEvent) error { calls++; return nil })
	boom := errors.New("boom")
	bad := workflow.NotifierFunc(func(context.Context, workflow.StageEvent) error { calls++; return boom })

	err := Multi{bad, nil, ok}.StageDecided(context.Background(), sampleEvent())

	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, Multi{ok}.StageDecided(context.Background(), sampleEvent()))
}
