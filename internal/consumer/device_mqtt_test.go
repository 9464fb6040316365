package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqttcommon "eva-checkin/internal/common/mqtt"
	"eva-checkin/internal/domain"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]mqttcommon.MessageHandler
	qos      byte
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: map[string]mqttcommon.MessageHandler{}}
}

func (s *fakeSubscriber) Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[topic] = handler
	s.qos = qos
	return nil
}

func (s *fakeSubscriber) Unsubscribe(topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.handlers, t)
	}
	return nil
}

func (s *fakeSubscriber) handler(topic string) mqttcommon.MessageHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[topic]
}

func (f *fixture) incidents(t *testing.T) []domain.EscalationIncident {
	t.Helper()
	out, err := f.orch.ListIncidents(context.Background(), domain.IncidentFilters{})
	require.NoError(t, err)
	return out
}

func TestDeviceEventConsumer_HandleMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPerson("p1", true)
	c := NewDeviceEventConsumer(f.cfg, newFakeSubscriber(), f.orch, zap.NewNop())

	payload := []byte(`{"event_id":"ev-1","person_id":"p1","event_type":"no_heartbeat","severity":2}`)
	require.NoError(t, c.HandleMessage(ctx, "eva/devices/dev-9/events", payload))

	incidents := f.incidents(t)
	require.Len(t, incidents, 1)
	assert.Equal(t, domain.SourceDevice, incidents[0].Source)
	require.NotNil(t, incidents[0].OriginEventID)
	assert.Equal(t, "ev-1", *incidents[0].OriginEventID)
	// 没有联系人
	assert.Equal(t, domain.StateNoContacts, incidents[0].EscalationState)

	// 重投不重复创建
	require.NoError(t, c.HandleMessage(ctx, "eva/devices/dev-9/events", payload))
	assert.Len(t, f.incidents(t), 1)
}

func TestDeviceEventConsumer_RejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := NewDeviceEventConsumer(f.cfg, newFakeSubscriber(), f.orch, zap.NewNop())

	assert.Error(t, c.HandleMessage(ctx, "eva/devices/d/events", []byte(`{broken`)))
	err := c.HandleMessage(ctx, "eva/devices/d/events", []byte(`{"person_id":"p1","event_type":"fall"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, f.incidents(t))
}

func TestDeviceEventConsumer_ConsentRequiredIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.seedPerson("p1", false)
	c := NewDeviceEventConsumer(f.cfg, newFakeSubscriber(), f.orch, zap.NewNop())

	payload := []byte(`{"event_id":"ev-2","person_id":"p1","event_type":"fall","severity":4}`)
	assert.NoError(t, c.HandleMessage(context.Background(), "eva/devices/d/events", payload))
	assert.Empty(t, f.incidents(t))
}

func TestDeviceEventConsumer_StartSubscribesAndStop(t *testing.T) {
	f := newFixture(t)
	f.seedPerson("p1", true)
	sub := newFakeSubscriber()
	c := NewDeviceEventConsumer(f.cfg, sub, f.orch, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	topic := f.cfg.MQTT.DeviceTopic
	require.Eventually(t, func() bool { return sub.handler(topic) != nil }, time.Second, 10*time.Millisecond)
	assert.Equal(t, byte(1), sub.qos)

	handler := sub.handler(topic)
	require.NoError(t, handler("eva/devices/dev-1/events", []byte(`{"event_id":"ev-3","person_id":"p1","event_type":"fall"}`)))
	assert.Len(t, f.incidents(t), 1)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, c.Stop())
	assert.Nil(t, sub.handler(topic))
}
