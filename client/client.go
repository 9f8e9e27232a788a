// Package client maintains a local mirror of one channel's message list:
// seeded by the initial list query, appended by send events, reset by clear
// events, and reseeded from scratch after every reconnect.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"chatrelay/wire"
)

// State of the channel mirror.
type State int

const (
	Disconnected State = iota
	Loading
	Live
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Loading:
		return "loading"
	case Live:
		return "live"
	default:
		return "unknown"
	}
}

const (
	dialTimeout = 3 * time.Second
	callTimeout = 10 * time.Second

	backoffMinInterval = time.Second
	backoffMaxInterval = 60 * time.Second
	backoffMultiplier  = 1.5
)

// Conf configures a Client.
type Conf struct {
	// URL is the relay websocket endpoint, e.g. ws://127.0.0.1:8000/ws.
	URL string
	// Name is the login identity; re-sent after every reconnect.
	Name string
	// ChannelID is the mirrored channel.
	ChannelID string
}

// Client mirrors one channel. Safe for concurrent use.
type Client struct {
	conf *Conf

	mu      sync.Mutex
	state   State
	user    *wire.User
	mirror  []wire.Message
	seen    map[string]struct{}
	conn    *websocket.Conn
	pending map[string]chan *wire.ServerMsg
	nextID  uint64
	closed  bool

	// writeMu serializes frame writes on the current connection.
	writeMu sync.Mutex

	// notify is a coalesced change signal; consumers read the current
	// mirror with Messages().
	notify chan struct{}

	cancel context.CancelFunc
	doneC  chan struct{}
}

// New starts a client. It connects in the background and keeps reconnecting
// with backoff until Close.
func New(conf *Conf) (*Client, error) {
	if conf.URL == "" {
		return nil, fmt.Errorf("conf: URL is required")
	}
	if conf.Name == "" {
		return nil, fmt.Errorf("conf: Name is required")
	}
	if conf.ChannelID == "" {
		return nil, fmt.Errorf("conf: ChannelID is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conf:    conf,
		seen:    make(map[string]struct{}),
		pending: make(map[string]chan *wire.ServerMsg),
		notify:  make(chan struct{}, 1),
		cancel:  cancel,
		doneC:   make(chan struct{}),
	}

	go c.run(ctx)
	return c, nil
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.dropConn()
	<-c.doneC
}

// State reports the mirror state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// User reports the identity of the last successful login, nil before one.
func (c *Client) User() *wire.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Messages returns a copy of the current mirror, in arrival order.
func (c *Client) Messages() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Message, len(c.mirror))
	copy(out, c.mirror)
	return out
}

// Updates signals mirror and state changes. Coalesced: at most one pending
// signal; consumers drain it and read Messages()/State().
func (c *Client) Updates() <-chan struct{} {
	return c.notify
}

// Send submits a message to the mirrored channel and waits for the mutation
// round-trip. The mirror is updated by the response or the subscription
// event, whichever lands first; duplicates are suppressed by message id.
func (c *Client) Send(ctx context.Context, content string) (*wire.Message, error) {
	resp, err := c.call(ctx, &wire.ClientMsg{
		SendMessage: &wire.SendMessageReq{ChannelID: c.conf.ChannelID, Content: content},
	})
	if err != nil {
		return nil, err
	}
	if resp.SendMessage == nil || resp.SendMessage.Message == nil {
		return nil, fmt.Errorf("send_message: empty response")
	}
	c.addMessage(resp.SendMessage.Message)
	return resp.SendMessage.Message, nil
}

// Clear deletes every message of the mirrored channel.
func (c *Client) Clear(ctx context.Context) error {
	_, err := c.call(ctx, &wire.ClientMsg{
		ClearMessages: &wire.ClearMessagesReq{ChannelID: c.conf.ChannelID},
	})
	return err
}

// run is the connection state machine: dial, login, seed, subscribe, then
// pump events until the stream drops; back off and start over.
func (c *Client) run(ctx context.Context) {
	defer close(c.doneC)

	var sleep time.Duration
	for {
		if ctx.Err() != nil {
			return
		}

		pumpDone, err := c.connect(ctx)
		if err != nil {
			glog.Errorf("client: connect error: %v", err)
			c.dropConn()
			c.setState(Disconnected)
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		select {
		case <-ctx.Done():
			c.dropConn()
			<-pumpDone
			return
		case <-pumpDone:
			c.dropConn()
			c.setState(Disconnected)
		}
	}
}

// connect dials and walks Loading -> Live: login, list query to seed the
// mirror, then attach the subscription. A message that arrives server-side
// between the query and the subscribe is missed until the next reconnect;
// the seed query bounds that gap.
func (c *Client) connect(ctx context.Context) (<-chan struct{}, error) {
	c.setState(Loading)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.conf.URL, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("client closed")
	}
	c.conn = conn
	c.mu.Unlock()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.pump(conn)
	}()

	resp, err := c.call(ctx, &wire.ClientMsg{Login: &wire.LoginReq{Name: c.conf.Name}})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	list, err := c.call(ctx, &wire.ClientMsg{
		ListMessages: &wire.ListMessagesReq{ChannelID: c.conf.ChannelID},
	})
	if err != nil {
		return nil, fmt.Errorf("list_messages: %w", err)
	}
	if list.ListMessages == nil {
		return nil, fmt.Errorf("list_messages: empty response")
	}

	// Seed before attaching the subscription: an event racing the subscribe
	// reply then lands on top of the snapshot instead of being wiped by it.
	c.mu.Lock()
	if resp.Login != nil {
		c.user = resp.Login.User
	}
	c.seed(list.ListMessages.Messages)
	c.mu.Unlock()
	c.signal()

	if _, err := c.call(ctx, &wire.ClientMsg{
		Subscribe: &wire.SubscribeReq{ChannelID: c.conf.ChannelID},
	}); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	c.setState(Live)

	glog.V(5).Infof("client: live, channel: %s, seeded: %d messages",
		c.conf.ChannelID, len(list.ListMessages.Messages))
	return pumpDone, nil
}

// seed replaces the mirror with the query snapshot. Must hold c.mu.
func (c *Client) seed(messages []wire.Message) {
	c.mirror = append([]wire.Message(nil), messages...)
	c.seen = make(map[string]struct{}, len(messages))
	for _, m := range messages {
		c.seen[m.ID] = struct{}{}
	}
}

// pump routes incoming frames: replies to their waiting callers, events to
// the mirror. Exits on read error; run() takes over from there.
func (c *Client) pump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("client: read error: %v", err)
			c.failPending()
			return
		}

		var msg wire.ServerMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			glog.Errorf("client: bad frame: %s, err: %v", string(data), err)
			continue
		}

		if msg.Id != "" {
			c.resolve(&msg)
			continue
		}
		if msg.Event != nil {
			c.handleEvent(msg.Event)
		}
	}
}

func (c *Client) handleEvent(e *wire.Event) {
	if e.ChannelID != c.conf.ChannelID {
		return
	}
	switch e.Kind {
	case wire.EventSend:
		if e.Message != nil {
			c.addMessage(e.Message)
		}
	case wire.EventClear:
		c.mu.Lock()
		c.mirror = c.mirror[:0]
		c.seen = make(map[string]struct{})
		c.mu.Unlock()
		c.signal()
	default:
		glog.Errorf("client: unknown event kind: %q", e.Kind)
	}
}

// addMessage appends to the mirror unless the id was already seen.
func (c *Client) addMessage(m *wire.Message) {
	c.mu.Lock()
	if _, dup := c.seen[m.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[m.ID] = struct{}{}
	c.mirror = append(c.mirror, *m)
	c.mu.Unlock()
	c.signal()
}

func (c *Client) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.signal()
	}
}

func (c *Client) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// call sends one request frame and waits for the correlated reply. A wire
// error from the server is returned as *wire.Error.
func (c *Client) call(ctx context.Context, req *wire.ClientMsg) (*wire.ServerMsg, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	c.nextID++
	req.Id = strconv.FormatUint(c.nextID, 10)
	waiter := make(chan *wire.ServerMsg, 1)
	c.pending[req.Id] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.Id)
		c.mu.Unlock()
	}()

	out, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(callTimeout))
	err = conn.WriteMessage(websocket.TextMessage, out)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, fmt.Errorf("connection lost")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

// resolve hands a reply to its waiting caller.
func (c *Client) resolve(msg *wire.ServerMsg) {
	c.mu.Lock()
	waiter := c.pending[msg.Id]
	delete(c.pending, msg.Id)
	c.mu.Unlock()
	if waiter != nil {
		waiter <- msg
	}
}

// failPending unblocks every in-flight call after a stream drop.
func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *wire.ServerMsg)
	c.mu.Unlock()
	for id, waiter := range pending {
		glog.V(5).Infof("client: failing in-flight call %s", id)
		close(waiter)
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = backoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * backoffMultiplier)
		if *d > backoffMaxInterval {
			*d = backoffMaxInterval
		}
	}
}
