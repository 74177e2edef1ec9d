package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ev struct {
	text string
	last bool
}

func newTestStream() *EventStream[ev, string] {
	return NewEventStream[ev, string](
		func(e ev) bool { return e.last },
		func(e ev) string { return "result:" + e.text },
	)
}

func collect(t *testing.T, ch <-chan ev) []string {
	t.Helper()
	var out []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e.text)
		case <-timeout:
			t.Fatal("iterator did not close")
		}
	}
}

func TestEventStreamDeliversInOrder(t *testing.T) {
	s := newTestStream()
	it := s.Iterator(context.Background())

	go func() {
		for _, w := range []string{"a", "b", "c"} {
			s.Push(ev{text: w})
		}
		s.Push(ev{text: "z", last: true})
		s.Push(ev{text: "dropped"})
	}()

	assert.Equal(t, []string{"a", "b", "c", "z"}, collect(t, it))
	assert.Equal(t, "result:z", <-s.Result())
	assert.True(t, s.IsDone())
}

func TestEventStreamBufferedBeforeConsumer(t *testing.T) {
	s := newTestStream()
	for i := 0; i < 500; i++ {
		s.Push(ev{text: "x"})
	}
	s.End("manual")
	assert.Equal(t, 500, s.Len())

	got := collect(t, s.Iterator(context.Background()))
	assert.Len(t, got, 500)

	r, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "manual", r)
	r, err = s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "manual", r)
}

func TestEventStreamEndIsIdempotent(t *testing.T) {
	s := newTestStream()
	s.End("first")
	s.End("second")
	s.Push(ev{text: "late", last: true})
	assert.Equal(t, "first", <-s.Result())
}

func TestEventStreamIteratorStopsOnContext(t *testing.T) {
	s := newTestStream()
	ctx, cancel := context.WithCancel(context.Background())
	it := s.Iterator(ctx)
	cancel()
	assert.Empty(t, collect(t, it))

	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEventStreamPushedCountsConsumedEvents(t *testing.T) {
	s := newTestStream()
	s.Push(ev{text: "a"})
	s.Push(ev{text: "b"})
	assert.Equal(t, 2, s.Pushed())
	assert.Equal(t, 2, s.Len())

	it := s.Iterator(context.Background())
	assert.Equal(t, "a", (<-it).text)
	assert.Equal(t, 2, s.Pushed())

	s.Push(ev{text: "c", last: true})
	s.Push(ev{text: "dropped"})
	assert.Equal(t, 3, s.Pushed())
	assert.Equal(t, []string{"b", "c"}, collect(t, it))
}
