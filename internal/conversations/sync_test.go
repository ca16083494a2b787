package conversations

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MattCruikshank/sokoni/internal/models"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func seed() []models.Conversation {
	return []models.Conversation{
		{ID: "c1", CounterpartyID: "u2", CounterpartyName: "Asha", ProductID: "p1", ProductName: "Road Bike", LastMessageAt: t0},
		{ID: "c3", CounterpartyID: "u3", CounterpartyName: "Baraka", ProductID: "p2", ProductName: "Desk Lamp", LastMessageAt: t0},
	}
}

func TestApplyMessageEventUpdatesSummary(t *testing.T) {
	s := New()
	s.Load(seed())

	at := t0.Add(time.Minute)
	assert.True(t, s.ApplyMessageEvent("c1", "still available?", at))

	c, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "still available?", c.LastMessage)
	assert.True(t, at.Equal(c.LastMessageAt))
	assert.Equal(t, "Road Bike", c.ProductName, "other fields untouched")
}

func TestOlderEventDoesNotRegress(t *testing.T) {
	s := New()
	s.Load(seed())
	require.True(t, s.ApplyMessageEvent("c1", "newer", t0.Add(2*time.Minute)))
	require.True(t, s.ApplyMessageEvent("c1", "older", t0.Add(time.Minute)))

	c, _ := s.Get("c1")
	assert.Equal(t, "newer", c.LastMessage)
}

func TestUnknownConversationIsDroppedWithoutError(t *testing.T) {
	s := New()
	s.Load(seed())
	before := s.List()

	assert.NotPanics(t, func() {
		assert.False(t, s.ApplyMessageEvent("c2", "hello?", t0.Add(time.Minute)))
	})
	assert.Equal(t, before, s.List())
	_, ok := s.Get("c2")
	assert.False(t, ok)
}

func TestHeldEventReplaysOnLoad(t *testing.T) {
	s := New()
	s.Load(seed())
	at := t0.Add(time.Minute)
	require.False(t, s.ApplyMessageEvent("c2", "first contact", at))
	assert.Equal(t, 1, s.Pending())

	list := append(seed(), models.Conversation{ID: "c2", CounterpartyName: "Chiku", LastMessageAt: t0})
	s.Load(list)

	c, ok := s.Get("c2")
	require.True(t, ok)
	assert.Equal(t, "first contact", c.LastMessage)
	assert.Zero(t, s.Pending())
}

func TestPendingLimitDropsOldest(t *testing.T) {
	s := New(WithPendingLimit(2))
	s.ApplyMessageEvent("x1", "a", t0)
	s.ApplyMessageEvent("x2", "b", t0)
	s.ApplyMessageEvent("x3", "c", t0)
	assert.Equal(t, 2, s.Pending())

	s.Load([]models.Conversation{{ID: "x1"}, {ID: "x3"}})
	x1, _ := s.Get("x1")
	x3, _ := s.Get("x3")
	assert.Empty(t, x1.LastMessage, "oldest event was dropped")
	assert.Equal(t, "c", x3.LastMessage)

	none := New(WithPendingLimit(0))
	none.ApplyMessageEvent("x1", "a", t0)
	assert.Zero(t, none.Pending())
}

func TestLoadUpdatesInPlace(t *testing.T) {
	s := New()
	s.Load(seed())
	s.MarkUnread("c1")
	s.MarkUnread("c1")
	require.True(t, s.ApplyMessageEvent("c1", "local send", t0.Add(5*time.Minute)))

	refreshed := seed()
	refreshed[0].ProductName = "Road Bike (sold)"
	refreshed[0].LastMessage = "stale"
	refreshed[0].LastMessageAt = t0.Add(time.Minute)
	s.Load(refreshed)

	c, _ := s.Get("c1")
	assert.Equal(t, "Road Bike (sold)", c.ProductName)
	assert.Equal(t, 2, c.Unread)
	assert.Equal(t, "local send", c.LastMessage, "newer local summary kept over stale fetch")

	s.MarkRead("c1")
	c, _ = s.Get("c1")
	assert.Zero(t, c.Unread)
}

func TestSearch(t *testing.T) {
	s := New()
	s.Load(seed())

	assert.Len(t, s.Search(""), 2)
	got := s.Search("bike")
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)

	got = s.Search("  BARAKA ")
	require.Len(t, got, 1)
	assert.Equal(t, "c3", got[0].ID)

	assert.Empty(t, s.Search("sofa"))
}
