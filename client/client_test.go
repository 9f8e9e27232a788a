package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/bus"
	"chatrelay/relay"
	"chatrelay/store"
	"chatrelay/wire"
)

const testChannel = "general"

// newTestRelay runs a relay backed by an embedded store and returns its
// websocket URL plus the Api for out-of-band mutations.
func newTestRelay(t *testing.T) (string, *relay.Api) {
	t.Helper()

	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.EnsureChannel(context.Background(), testChannel, "General")
	require.NoError(t, err)

	b := bus.New()
	api := relay.NewApi(st, b, &relay.Conf{SendLimit: 4096})

	srv := httptest.NewServer(relay.NewHub(api, b))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	return url, api
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(&Conf{URL: url, Name: "alice", ChannelID: testChannel})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func waitLive(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == Live },
		5*time.Second, 10*time.Millisecond)
}

// sendAs pushes a message into the channel from outside the client under
// test, the way another connected user would.
func sendAs(t *testing.T, api *relay.Api, userID, content string) *wire.Message {
	t.Helper()
	resp, werr := api.SendMessage(context.Background(), userID,
		&wire.SendMessageReq{ChannelID: testChannel, Content: content})
	require.Nil(t, werr)
	return resp.Message
}

func loginAs(t *testing.T, api *relay.Api, name string) *wire.User {
	t.Helper()
	resp, werr := api.Login(context.Background(), &wire.LoginReq{Name: name})
	require.Nil(t, werr)
	return resp.User
}

func TestConfValidation(t *testing.T) {
	_, err := New(&Conf{Name: "alice", ChannelID: testChannel})
	require.Error(t, err)
	_, err = New(&Conf{URL: "ws://127.0.0.1:1/", ChannelID: testChannel})
	require.Error(t, err)
	_, err = New(&Conf{URL: "ws://127.0.0.1:1/", Name: "alice"})
	require.Error(t, err)
}

func TestSeedFromQuery(t *testing.T) {
	url, api := newTestRelay(t)

	bob := loginAs(t, api, "bob")
	for i := 0; i < 3; i++ {
		sendAs(t, api, bob.ID, fmt.Sprintf("history %d", i))
	}

	c := newTestClient(t, url)
	waitLive(t, c)

	require.NotNil(t, c.User())
	assert.Equal(t, "alice", c.User().Name)

	messages := c.Messages()
	require.Len(t, messages, 3)
	for i, m := range messages {
		assert.Equal(t, fmt.Sprintf("history %d", i), m.Content)
	}
}

func TestAppendOnSendEvent(t *testing.T) {
	url, api := newTestRelay(t)
	c := newTestClient(t, url)
	waitLive(t, c)

	bob := loginAs(t, api, "bob")
	sent := sendAs(t, api, bob.ID, "from bob")

	require.Eventually(t, func() bool { return len(c.Messages()) == 1 },
		5*time.Second, 10*time.Millisecond)
	got := c.Messages()[0]
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "from bob", got.Content)
	assert.Equal(t, "bob", got.Author.Name)
}

func TestResetOnClearEvent(t *testing.T) {
	url, api := newTestRelay(t)
	c := newTestClient(t, url)
	waitLive(t, c)

	bob := loginAs(t, api, "bob")
	sendAs(t, api, bob.ID, "doomed")
	require.Eventually(t, func() bool { return len(c.Messages()) == 1 },
		5*time.Second, 10*time.Millisecond)

	_, werr := api.ClearMessages(context.Background(),
		&wire.ClearMessagesReq{ChannelID: testChannel})
	require.Nil(t, werr)

	require.Eventually(t, func() bool { return len(c.Messages()) == 0 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Live, c.State())
}

// The sender sees its own message once: the mutation response and the
// subscription event both carry it, keyed by the same id.
func TestOwnSendNotDuplicated(t *testing.T) {
	url, _ := newTestRelay(t)
	c := newTestClient(t, url)
	waitLive(t, c)

	ctx := context.Background()
	first, err := c.Send(ctx, "one")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := c.Send(ctx, "two")
	require.NoError(t, err)

	// Events arrive in persisted order, so once "two" is visible the
	// event for "one" has already been processed.
	require.Eventually(t, func() bool {
		m := c.Messages()
		return len(m) > 0 && m[len(m)-1].ID == second.ID
	}, 5*time.Second, 10*time.Millisecond)

	messages := c.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, first.ID, messages[0].ID)
	assert.Equal(t, second.ID, messages[1].ID)
}

func TestSendErrorSurfaced(t *testing.T) {
	url, _ := newTestRelay(t)
	c := newTestClient(t, url)
	waitLive(t, c)

	_, err := c.Send(context.Background(), "")
	require.Error(t, err)
	werr, ok := err.(*wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.CodeInvalidArgument, werr.Code)
	assert.Empty(t, c.Messages())
}

func TestClear(t *testing.T) {
	url, _ := newTestRelay(t)
	c := newTestClient(t, url)
	waitLive(t, c)

	ctx := context.Background()
	_, err := c.Send(ctx, "gone soon")
	require.NoError(t, err)
	require.NoError(t, c.Clear(ctx))

	require.Eventually(t, func() bool { return len(c.Messages()) == 0 },
		5*time.Second, 10*time.Millisecond)
}

// A dropped stream reconnects and reseeds, picking up whatever happened
// while the client was away.
func TestReconnectReseeds(t *testing.T) {
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "reconnect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	_, err = st.EnsureChannel(context.Background(), testChannel, "General")
	require.NoError(t, err)

	b := bus.New()
	api := relay.NewApi(st, b, &relay.Conf{SendLimit: 4096})
	srv := httptest.NewServer(relay.NewHub(api, b))
	t.Cleanup(srv.Close)

	c := newTestClient(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/")
	waitLive(t, c)

	bob := loginAs(t, api, "bob")
	sendAs(t, api, bob.ID, "before drop")
	require.Eventually(t, func() bool { return len(c.Messages()) == 1 },
		5*time.Second, 10*time.Millisecond)

	// Kill every open connection; the client backs off and redials.
	srv.CloseClientConnections()

	// Mutate while the client is (possibly still) away. The reseed query
	// after reconnect must pick this up even though no event reached the
	// client.
	sendAs(t, api, bob.ID, "while away")

	require.Eventually(t, func() bool {
		m := c.Messages()
		return len(m) == 2 && m[1].Content == "while away"
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, Live, c.State())
	assert.Equal(t, "before drop", c.Messages()[0].Content)
}

// An event delivered between the subscribe reply and it being processed must
// survive the seed: the mirror is seeded before the subscription attaches, so
// the event appends instead of being wiped by the snapshot.
func TestEventRacingSubscribeRetained(t *testing.T) {
	upgrader := websocket.Upgrader{}
	seeded := wire.Message{ID: "m1", Content: "seeded", ChannelID: testChannel}
	pushed := wire.Message{ID: "m2", Content: "pushed", ChannelID: testChannel}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req wire.ClientMsg
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := &wire.ServerMsg{Id: req.Id}
			switch {
			case req.Login != nil:
				resp.Login = &wire.LoginResp{User: &wire.User{ID: "u1", Name: req.Login.Name}}
			case req.ListMessages != nil:
				resp.ListMessages = &wire.ListMessagesResp{Messages: []wire.Message{seeded}}
			case req.Subscribe != nil:
				// The event frame lands ahead of the subscribe reply.
				if err := conn.WriteJSON(&wire.ServerMsg{Event: &wire.Event{
					Kind: wire.EventSend, ChannelID: testChannel, Message: &pushed,
				}}); err != nil {
					return
				}
				resp.Subscribe = &wire.SubscribeResp{ChannelID: testChannel}
			default:
				return
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/")
	waitLive(t, c)

	require.Eventually(t, func() bool { return len(c.Messages()) == 2 },
		5*time.Second, 10*time.Millisecond)
	messages := c.Messages()
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "m2", messages[1].ID)
}

func TestCloseStops(t *testing.T) {
	url, _ := newTestRelay(t)
	c := newTestClient(t, url)
	waitLive(t, c)

	c.Close()

	_, err := c.Send(context.Background(), "too late")
	require.Error(t, err)
}
