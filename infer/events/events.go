package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lcpu-club/hpcinfer/infer/configure"
	"github.com/nsqio/go-nsq"
	"github.com/satori/uuid"
)

const defaultTopic = "hpc-infer-events"

type Event struct {
	ID     uuid.UUID `json:"id"`
	Type   string    `json:"type"`
	JobID  string    `json:"job_id"`
	Model  string    `json:"model,omitempty"`
	State  string    `json:"state,omitempty"`
	Reason string    `json:"reason,omitempty"`
	User   string    `json:"user,omitempty"`
	Time   time.Time `json:"time"`
}

func NewEvent(typ string, jobID string, model string) *Event {
	return &Event{
		ID:    uuid.NewV4(),
		Type:  typ,
		JobID: jobID,
		Model: model,
		Time:  time.Now().UTC(),
	}
}

// Reporter publishes job lifecycle events. Reporting is best effort and
// never changes the outcome of the operation that caused it.
type Reporter interface {
	Report(ctx context.Context, e *Event) error
	Close()
}

type NopReporter struct{}

func (NopReporter) Report(context.Context, *Event) error { return nil }
func (NopReporter) Close()                               {}

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

type NSQReporter struct {
	producer Publisher
	topic    string
}

func NewNSQReporter(conf *configure.NsqConfigure) (*NSQReporter, error) {
	config := nsq.NewConfig()
	config.AuthSecret = conf.AuthSecret
	producer, err := nsq.NewProducer(conf.Address, config)
	if err != nil {
		return nil, err
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)
	return NewReporter(producer, conf.Topic), nil
}

func NewReporter(producer Publisher, topic string) *NSQReporter {
	if topic == "" {
		topic = defaultTopic
	}
	return &NSQReporter{producer: producer, topic: topic}
}

func (r *NSQReporter) Report(ctx context.Context, e *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = r.producer.Publish(r.topic, body)
	if err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

func (r *NSQReporter) Close() {
	r.producer.Stop()
}

// New returns an NSQ reporter when NSQ is configured and a NopReporter
// otherwise.
func New(conf *configure.NsqConfigure) (Reporter, error) {
	if conf == nil || conf.Address == "" {
		return NopReporter{}, nil
	}
	return NewNSQReporter(conf)
}

