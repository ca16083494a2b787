package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/MattCruikshank/sokoni/internal/api"
	"github.com/MattCruikshank/sokoni/internal/metrics"
	"github.com/MattCruikshank/sokoni/internal/models"
	"github.com/MattCruikshank/sokoni/internal/protocol"
)

// fakePush is a push backend that records client frames and lets the test
// write frames back.
type fakePush struct {
	srv    *httptest.Server
	frames chan *protocol.Envelope
	conns  chan *websocket.Conn
}

func newFakePush(t *testing.T) *fakePush {
	t.Helper()
	fp := &fakePush{
		frames: make(chan *protocol.Envelope, 16),
		conns:  make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fp.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.ParseEnvelope(data)
			if err != nil {
				continue
			}
			fp.frames <- env
		}
	}))
	t.Cleanup(fp.srv.Close)
	return fp
}

// verifyNoLeaks checks for leaked goroutines after every other cleanup,
// including the fake backend shutdown, has run.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	current := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, current) })
}

func (fp *fakePush) pushURL() string {
	return "ws" + strings.TrimPrefix(fp.srv.URL, "http") + "/ws"
}

func (fp *fakePush) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fp.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func (fp *fakePush) frame(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-fp.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func (fp *fakePush) noFrame(t *testing.T) {
	t.Helper()
	select {
	case env := <-fp.frames:
		t.Fatalf("unexpected %s frame", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func writeNewMessage(t *testing.T, conn *websocket.Conn, sm models.ServerMessage) {
	t.Helper()
	data, err := protocol.Marshal(protocol.TypeNewMessage, sm)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func newTestTransport(t *testing.T, fp *fakePush, m *metrics.Metrics) *Transport {
	t.Helper()
	c, err := api.New(fp.srv.URL)
	require.NoError(t, err)
	tr := NewTransport(c, nil, fp.pushURL(), WithTransportMetrics(m))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func collect(tr *Transport) chan models.ServerMessage {
	got := make(chan models.ServerMessage, 16)
	tr.OnIncoming(func(sm models.ServerMessage) { got <- sm })
	return got
}

func TestJoinConversationTwiceSubscribesOnce(t *testing.T) {
	verifyNoLeaks(t)

	fp := newFakePush(t)
	m := metrics.New(prometheus.NewRegistry())
	tr := newTestTransport(t, fp, m)
	got := collect(tr)

	require.NoError(t, tr.Connect(context.Background()))
	conn := fp.conn(t)

	require.NoError(t, tr.JoinConversation("c1"))
	require.NoError(t, tr.JoinConversation("c1"))

	env := fp.frame(t)
	assert.Equal(t, protocol.TypeJoinConversation, env.Type)
	var join protocol.JoinConversationMessage
	require.NoError(t, env.Decode(&join))
	assert.Equal(t, "c1", join.ConversationID)
	fp.noFrame(t)

	assert.Equal(t, []string{"c1"}, tr.Joined())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicateJoins))

	writeNewMessage(t, conn, models.ServerMessage{ServerID: "m1", ConversationID: "c1", Text: "hey"})
	select {
	case sm := <-got:
		assert.Equal(t, "m1", sm.ServerID)
	case <-time.After(2 * time.Second):
		t.Fatal("push not delivered")
	}
	select {
	case sm := <-got:
		t.Fatalf("push %s delivered twice", sm.ServerID)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, tr.Close())
}

func TestPushForConversationNotJoinedIsIgnored(t *testing.T) {
	fp := newFakePush(t)
	m := metrics.New(prometheus.NewRegistry())
	tr := newTestTransport(t, fp, m)
	got := collect(tr)

	require.NoError(t, tr.Connect(context.Background()))
	conn := fp.conn(t)
	require.NoError(t, tr.JoinConversation("c1"))
	fp.frame(t)

	writeNewMessage(t, conn, models.ServerMessage{ServerID: "m9", ConversationID: "c2", Text: "elsewhere"})
	writeNewMessage(t, conn, models.ServerMessage{ServerID: "m10", ConversationID: "c1", Text: "here"})

	select {
	case sm := <-got:
		assert.Equal(t, "m10", sm.ServerID)
	case <-time.After(2 * time.Second):
		t.Fatal("push not delivered")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PushEvents.WithLabelValues(metrics.PushIgnored)))
}

func TestLeaveConversationSendsLeaveAndAllowsRejoin(t *testing.T) {
	fp := newFakePush(t)
	tr := newTestTransport(t, fp, nil)

	require.NoError(t, tr.Connect(context.Background()))
	fp.conn(t)

	require.NoError(t, tr.JoinConversation("c1"))
	assert.Equal(t, protocol.TypeJoinConversation, fp.frame(t).Type)

	require.NoError(t, tr.LeaveConversation("c1"))
	assert.Equal(t, protocol.TypeLeaveConversation, fp.frame(t).Type)
	assert.Empty(t, tr.Joined())

	// leaving twice sends nothing
	require.NoError(t, tr.LeaveConversation("c1"))
	fp.noFrame(t)

	require.NoError(t, tr.JoinConversation("c1"))
	assert.Equal(t, protocol.TypeJoinConversation, fp.frame(t).Type)
}

func TestOnIncomingCancelStopsDelivery(t *testing.T) {
	fp := newFakePush(t)
	tr := newTestTransport(t, fp, nil)

	first := make(chan models.ServerMessage, 4)
	cancel := tr.OnIncoming(func(sm models.ServerMessage) { first <- sm })
	second := collect(tr)

	require.NoError(t, tr.Connect(context.Background()))
	conn := fp.conn(t)
	require.NoError(t, tr.JoinConversation("c1"))
	fp.frame(t)

	cancel()
	writeNewMessage(t, conn, models.ServerMessage{ServerID: "m1", ConversationID: "c1"})

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("push not delivered")
	}
	assert.Empty(t, first)
}

func TestJoinBeforeConnect(t *testing.T) {
	fp := newFakePush(t)
	tr := newTestTransport(t, fp, nil)

	assert.ErrorIs(t, tr.JoinConversation("c1"), ErrNotConnected)
	assert.Empty(t, tr.Joined())
}

func TestConnectUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := api.New(srv.URL)
	require.NoError(t, err)
	tr := NewTransport(c, nil, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	defer tr.Close()

	err = tr.Connect(context.Background())
	assert.ErrorIs(t, err, api.ErrUnauthorized)
}

func TestDoneClosesWhenBackendDrops(t *testing.T) {
	verifyNoLeaks(t)

	fp := newFakePush(t)
	tr := newTestTransport(t, fp, nil)

	require.NoError(t, tr.Connect(context.Background()))
	conn := fp.conn(t)
	conn.Close()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not notice the dropped connection")
	}
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, tr.JoinConversation("c1"), ErrClosed)
}
