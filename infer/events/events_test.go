package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/lcpu-club/hpcinfer/common/consts"
	"github.com/lcpu-club/hpcinfer/infer/configure"
	"github.com/satori/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	topics  []string
	bodies  [][]byte
	err     error
	stopped bool
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, body)
	return p.err
}

func (p *fakePublisher) Stop() { p.stopped = true }

func TestNSQReporter_Report(t *testing.T) {
	pub := &fakePublisher{}
	r := NewReporter(pub, "")
	e := NewEvent(consts.EventTypeSubmitted, "4242", "Meta-Llama-3.1-8B-Instruct")
	require.NoError(t, r.Report(context.Background(), e))

	require.Len(t, pub.bodies, 1)
	assert.Equal(t, defaultTopic, pub.topics[0])
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.bodies[0], &got))
	assert.Equal(t, "submitted", got["type"])
	assert.Equal(t, "4242", got["job_id"])
	assert.Equal(t, e.ID.String(), got["id"])
	assert.NotEqual(t, uuid.Nil, e.ID)

	r.Close()
	assert.True(t, pub.stopped)
}

func TestNSQReporter_Errors(t *testing.T) {
	pub := &fakePublisher{err: fmt.Errorf("connection refused")}
	r := NewReporter(pub, "jobs")
	err := r.Report(context.Background(), NewEvent(consts.EventTypeStatus, "1", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Report(ctx, NewEvent(consts.EventTypeStatus, "1", "")), context.Canceled)
}

func TestNew(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	assert.IsType(t, NopReporter{}, r)

	r, err = New(&configure.NsqConfigure{Address: "127.0.0.1:4150", Topic: "jobs"})
	require.NoError(t, err)
	assert.IsType(t, &NSQReporter{}, r)
	r.Close()
}
