package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-nurture-go/internal/lead"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	declared  []string
	published []published
	closed    bool
	err       error
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = append(f.declared, name+"/"+kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, "leads")
	require.NoError(t, err)
	assert.Equal(t, []string{"leads/topic"}, ch.declared)

	tr := Transition{
		RunID:      "run-1",
		LeadID:     "a",
		Action:     "mark_replied",
		FromStatus: lead.StatusSent,
		ToStatus:   lead.StatusReplied,
		FromStep:   2,
		ToStep:     2,
		OccurredAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), tr))
	require.Len(t, ch.published, 1)

	got := ch.published[0]
	assert.Equal(t, "leads", got.exchange)
	assert.Equal(t, "lead.replied", got.key)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)

	var decoded Transition
	require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	assert.Equal(t, tr, decoded)

	ch.err = assert.AnError
	assert.Error(t, p.Publish(context.Background(), tr))

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "lead.draftcreated", Transition{ToStatus: lead.StatusDraftCreated}.RoutingKey())
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), Transition{}))
	assert.NoError(t, p.Close())
}
