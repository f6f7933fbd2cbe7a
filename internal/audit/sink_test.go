package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/epics-asg/accessd/internal/asmodel"
)

func TestSinkListenerOnlyActsOnAfter(t *testing.T) {
	sink := NewSink(nil, nil, zaptest.NewLogger(t))
	defer sink.Close()

	listener := sink.Listener("ro", true)

	msg := &Message{ID: "1", Identity: asmodel.Identity{User: "alice"}}
	listener(msg, PhaseBefore)

	select {
	case rec := <-sink.events:
		t.Fatalf("Before phase must not enqueue an audit record, got %+v", rec)
	default:
	}

	listener(msg, PhaseAfter)
	select {
	case rec := <-sink.events:
		assert.Equal(t, "alice", rec.User)
		assert.Equal(t, "ro", rec.ASG)
		assert.True(t, rec.Trap)
	case <-time.After(time.Second):
		t.Fatal("expected an audit record to be enqueued on PhaseAfter")
	}
}

func TestSinkWorksWithNilBackends(t *testing.T) {
	sink := NewSink(nil, nil, zaptest.NewLogger(t))
	defer sink.Close()

	listener := sink.Listener("ro", false)
	msg := &Message{ID: "2", Identity: asmodel.Identity{User: "bob"}}

	assert.NotPanics(t, func() {
		listener(msg, PhaseAfter)
		time.Sleep(50 * time.Millisecond)
	})
}

func TestSinkDropsEventsWhenBufferFull(t *testing.T) {
	sink := &Sink{
		logger: zaptest.NewLogger(t).Named("audit_sink"),
		events: make(chan auditRecord, 1),
		done:   make(chan struct{}),
	}
	defer close(sink.done)

	listener := sink.Listener("ro", false)
	msg := &Message{ID: "3", Identity: asmodel.Identity{User: "carol"}}

	assert.NotPanics(t, func() {
		listener(msg, PhaseAfter)
		listener(msg, PhaseAfter)
	})
}
