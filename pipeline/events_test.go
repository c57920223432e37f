package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventQueueNeverBlocks(t *testing.T) {
	require := require.New(t)
	queue := NewEventQueue()

	// push far more than the queue holds; none of these may block
	for i := 0; i < eventQueueSize*3; i++ {
		queue.Push(Event{Type: EventClip, Message: fmt.Sprintf("clip %d", i)})
	}

	// the oldest events were dropped, the newest survive in order
	var got []Event
	for i := 0; i < eventQueueSize; i++ {
		got = append(got, <-queue.Events())
	}
	require.Len(got, eventQueueSize)
	require.Equal(fmt.Sprintf("clip %d", eventQueueSize*2), got[0].Message)
	require.Equal(fmt.Sprintf("clip %d", eventQueueSize*3-1), got[len(got)-1].Message)
}

func TestEventQueueClosesAfterTerminalEvent(t *testing.T) {
	require := require.New(t)
	queue := NewEventQueue()

	queue.Push(Event{Type: EventClip})
	queue.Push(Event{Type: EventComplete})
	// pushes after a terminal event are silently dropped
	queue.Push(Event{Type: EventClip})

	event := <-queue.Events()
	require.Equal(EventClip, event.Type)
	event = <-queue.Events()
	require.Equal(EventComplete, event.Type)

	_, ok := <-queue.Events()
	require.False(ok)
}

func TestEventQueueStampsTimestamps(t *testing.T) {
	require := require.New(t)
	queue := NewEventQueue()

	queue.Push(Event{Type: EventPlanning})
	event := <-queue.Events()
	require.NotZero(event.Timestamp)

	queue.Push(Event{Type: EventClip, Timestamp: 42})
	event = <-queue.Events()
	require.Equal(int64(42), event.Timestamp)
}

func TestEventQueueStampsStepNumbers(t *testing.T) {
	require := require.New(t)
	queue := NewEventQueue()

	for _, tc := range []struct {
		eventType EventType
		step      int
	}{
		{EventPlanning, 1},
		{EventPlanComplete, 1},
		{EventClip, 2},
		{EventMerging, 3},
		{EventVoice, 4},
		{EventFinalizing, 5},
	} {
		queue.Push(Event{Type: tc.eventType})
		event := <-queue.Events()
		require.Equal(tc.step, event.Step, "event type %s", tc.eventType)
	}

	// terminal events carry no step number
	queue.Push(Event{Type: EventComplete})
	event := <-queue.Events()
	require.Zero(event.Step)
}
