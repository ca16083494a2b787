package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MattCruikshank/sokoni/internal/api"
	"github.com/MattCruikshank/sokoni/internal/conversations"
	"github.com/MattCruikshank/sokoni/internal/metrics"
	"github.com/MattCruikshank/sokoni/internal/models"
	"github.com/MattCruikshank/sokoni/internal/store"
)

type sendResult struct {
	msg models.ServerMessage
	err error
}

type pendingSend struct {
	conversationID string
	text           string
	reply          chan sendResult
}

func (p *pendingSend) ok(serverID string, at time.Time) {
	p.reply <- sendResult{msg: models.ServerMessage{
		ServerID:       serverID,
		ConversationID: p.conversationID,
		SenderID:       "me",
		Text:           p.text,
		CreatedAt:      at,
	}}
}

func (p *pendingSend) fail(err error) {
	p.reply <- sendResult{err: err}
}

// fakeSender parks every Send until the test replies to it.
type fakeSender struct {
	arrived chan *pendingSend
}

func newFakeSender() *fakeSender {
	return &fakeSender{arrived: make(chan *pendingSend, 16)}
}

func (f *fakeSender) Send(ctx context.Context, conversationID, text string) (models.ServerMessage, error) {
	p := &pendingSend{conversationID: conversationID, text: text, reply: make(chan sendResult, 1)}
	f.arrived <- p
	select {
	case r := <-p.reply:
		return r.msg, r.err
	case <-ctx.Done():
		return models.ServerMessage{}, ctx.Err()
	}
}

func (f *fakeSender) next(t *testing.T) *pendingSend {
	t.Helper()
	select {
	case p := <-f.arrived:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no send arrived")
		return nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

type trackerFixture struct {
	sender  *fakeSender
	store   *store.Store
	convs   *conversations.Synchronizer
	tracker *Tracker
	events  *eventLog
	reg     *prometheus.Registry
	metrics *metrics.Metrics
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	f := &trackerFixture{
		sender: newFakeSender(),
		store:  store.New(),
		convs:  conversations.New(),
		events: &eventLog{},
		reg:    prometheus.NewRegistry(),
	}
	f.metrics = metrics.New(f.reg)

	var n int
	var mu sync.Mutex
	f.tracker = NewTracker(f.sender, f.store, f.convs,
		WithEventSink(f.events.sink),
		WithTrackerMetrics(f.metrics),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("local-%d", n)
		}),
	)
	f.convs.Load([]models.Conversation{{ID: "c1", CounterpartyID: "u2", ProductID: "p1"}})
	f.store.Open("c1")
	t.Cleanup(f.tracker.Wait)
	return f
}

func waitReceipt(t *testing.T, r *Receipt) (models.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := r.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return msg, err
}

func TestSubmitHelloBecomesSent(t *testing.T) {
	f := newTrackerFixture(t)

	receipt, err := f.tracker.Submit(context.Background(), "c1", "hello")
	require.NoError(t, err)

	all := f.store.All("c1")
	require.Len(t, all, 1, "optimistic insert happens before Submit returns")
	assert.Equal(t, models.StatusSending, all[0].Status)
	assert.Equal(t, "hello", all[0].Text)
	assert.True(t, all[0].SenderIsSelf)
	assert.Equal(t, receipt.LocalID, all[0].LocalID)

	at := time.Date(2026, 6, 1, 14, 30, 0, 0, time.UTC)
	f.sender.next(t).ok("m42", at)

	msg, err := waitReceipt(t, receipt)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)

	all = f.store.All("c1")
	require.Len(t, all, 1)
	assert.Equal(t, models.StatusSent, all[0].Status)
	assert.Equal(t, "m42", all[0].ServerID)
	assert.Equal(t, "m42", all[0].Key())
	assert.True(t, at.Equal(all[0].CreatedAt))

	conv, _ := f.convs.Get("c1")
	assert.Equal(t, "hello", conv.LastMessage)
	assert.True(t, at.Equal(conv.LastMessageAt))

	assert.Equal(t, []EventType{EventMessageQueued, EventMessageSent}, f.events.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues("sent")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.InFlight))
}

func TestSubmitHiRejectedBecomesFailed(t *testing.T) {
	f := newTrackerFixture(t)

	receipt, err := f.tracker.Submit(context.Background(), "c1", "hi")
	require.NoError(t, err)

	sendErr := &api.TransportError{Op: "POST /messages", StatusCode: 500, Err: errors.New("boom")}
	f.sender.next(t).fail(sendErr)

	msg, err := waitReceipt(t, receipt)
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, models.StatusFailed, msg.Status)

	all := f.store.All("c1")
	require.Len(t, all, 1, "failed messages are never removed")
	assert.Equal(t, models.StatusFailed, all[0].Status)
	assert.Equal(t, "hi", all[0].Text)
	assert.Empty(t, all[0].ServerID)

	conv, _ := f.convs.Get("c1")
	assert.Empty(t, conv.LastMessage, "failed sends do not touch the summary")
	assert.Equal(t, []EventType{EventMessageQueued, EventMessageFailed}, f.events.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues("failed")))
}

func TestOrderFixedAtInsert(t *testing.T) {
	f := newTrackerFixture(t)

	ra, err := f.tracker.Submit(context.Background(), "c1", "A")
	require.NoError(t, err)
	rb, err := f.tracker.Submit(context.Background(), "c1", "B")
	require.NoError(t, err)

	sends := map[string]*pendingSend{}
	for i := 0; i < 2; i++ {
		p := f.sender.next(t)
		sends[p.text] = p
	}

	at := time.Now()
	sends["B"].ok("m2", at)
	_, err = waitReceipt(t, rb)
	require.NoError(t, err)
	sends["A"].ok("m1", at.Add(time.Second))
	_, err = waitReceipt(t, ra)
	require.NoError(t, err)

	all := f.store.All("c1")
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].Text)
	assert.Equal(t, "m1", all[0].ServerID)
	assert.Equal(t, "B", all[1].Text)
	assert.Equal(t, "m2", all[1].ServerID)
}

func TestConcurrentSubmitsCompleteIndependently(t *testing.T) {
	f := newTrackerFixture(t)

	const n = 10
	receipts := make([]*Receipt, n)
	for i := 0; i < n; i++ {
		r, err := f.tracker.Submit(context.Background(), "c1", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
		receipts[i] = r
	}

	for i := 0; i < n; i++ {
		p := f.sender.next(t)
		if i%3 == 0 {
			p.fail(errors.New("network unreachable"))
		} else {
			p.ok("srv-"+p.text, time.Now())
		}
	}
	for _, r := range receipts {
		waitReceipt(t, r)
	}

	all := f.store.All("c1")
	require.Len(t, all, n)
	for i, m := range all {
		assert.Equal(t, fmt.Sprintf("msg %d", i), m.Text)
		assert.True(t, m.Status.IsTerminal())
		if m.Status == models.StatusSent {
			assert.Equal(t, "srv-"+m.Text, m.ServerID)
		}
	}
}

func TestSubmitRejectsBlankAndClosed(t *testing.T) {
	f := newTrackerFixture(t)

	_, err := f.tracker.Submit(context.Background(), "c1", "   \n\t")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Empty(t, f.store.All("c1"))

	_, err = f.tracker.Submit(context.Background(), "c9", "hello")
	assert.ErrorIs(t, err, ErrConversationNotOpen)

	r, err := f.tracker.Submit(context.Background(), "c1", "  padded  ")
	require.NoError(t, err)
	assert.Equal(t, "padded", f.store.All("c1")[0].Text)
	f.sender.next(t).ok("m1", time.Now())
	waitReceipt(t, r)
}

func TestClosedViewDiscardsResult(t *testing.T) {
	f := newTrackerFixture(t)

	r, err := f.tracker.Submit(context.Background(), "c1", "bye")
	require.NoError(t, err)
	p := f.sender.next(t)

	f.store.Close("c1")
	p.ok("m7", time.Now())

	_, err = waitReceipt(t, r)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Nil(t, f.store.All("c1"))

	conv, _ := f.convs.Get("c1")
	assert.Equal(t, "bye", conv.LastMessage, "summary still reflects the delivered message")
	assert.Equal(t, []EventType{EventMessageQueued}, f.events.types())
}

func TestResubmitCreatesFreshMessage(t *testing.T) {
	f := newTrackerFixture(t)

	r, err := f.tracker.Submit(context.Background(), "c1", "retry me")
	require.NoError(t, err)
	f.sender.next(t).fail(errors.New("offline"))
	failed, _ := waitReceipt(t, r)

	r2, err := f.tracker.Resubmit(context.Background(), "c1", failed.LocalID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.LocalID, r2.LocalID)
	f.sender.next(t).ok("m9", time.Now())
	_, err = waitReceipt(t, r2)
	require.NoError(t, err)

	all := f.store.All("c1")
	require.Len(t, all, 2)
	assert.Equal(t, models.StatusFailed, all[0].Status, "failed record untouched")
	assert.Equal(t, failed.LocalID, all[0].LocalID)
	assert.Equal(t, models.StatusSent, all[1].Status)
	assert.Equal(t, "retry me", all[1].Text)

	_, err = f.tracker.Resubmit(context.Background(), "c1", "m9")
	assert.ErrorIs(t, err, ErrNotFailed)
	_, err = f.tracker.Resubmit(context.Background(), "c1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.tracker.Resubmit(context.Background(), "c9", "missing")
	assert.ErrorIs(t, err, ErrConversationNotOpen)
}

func TestMissingServerIDFails(t *testing.T) {
	f := newTrackerFixture(t)

	r, err := f.tracker.Submit(context.Background(), "c1", "hello")
	require.NoError(t, err)
	f.sender.next(t).ok("", time.Now())

	msg, err := waitReceipt(t, r)
	assert.Error(t, err)
	assert.Equal(t, models.StatusFailed, msg.Status)
}

func TestCanceledContextFails(t *testing.T) {
	f := newTrackerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	r, err := f.tracker.Submit(ctx, "c1", "hello")
	require.NoError(t, err)
	f.sender.next(t)
	cancel()

	msg, err := waitReceipt(t, r)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusFailed, msg.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Submitted))
}

func TestRoundTripMeasuredFromInsert(t *testing.T) {
	f := newTrackerFixture(t)

	receipt, err := f.tracker.Submit(context.Background(), "c1", "hello")
	require.NoError(t, err)
	p := f.sender.next(t)
	time.Sleep(50 * time.Millisecond)
	p.ok("m1", time.Now())
	_, err = waitReceipt(t, receipt)
	require.NoError(t, err)

	families, err := f.reg.Gather()
	require.NoError(t, err)
	var sum float64
	var count uint64
	for _, mf := range families {
		if mf.GetName() == "sokoni_send_round_trip_seconds" {
			h := mf.GetMetric()[0].GetHistogram()
			sum, count = h.GetSampleSum(), h.GetSampleCount()
		}
	}
	assert.Equal(t, uint64(1), count)
	assert.GreaterOrEqual(t, sum, 0.05)
}
