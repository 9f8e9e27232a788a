package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"chatrelay/bus"
	"chatrelay/wire"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	SlowConsumer SessionError = 6
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 65536 + 1024

	// dataChan capacity per session.
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The relay trusts its fronting proxy for origin checks.
		return true
	},
}

// Handler manages one active connection. Every websocket connection gets its
// own Handler with a recv loop (requests) and a send loop (replies, events,
// pings).
type Handler struct {
	sync.Mutex

	api *Api
	bus *bus.Bus
	hub *Hub

	session *Session
	conn    *websocket.Conn

	dataChan chan *sessionData

	// user is the identity bound by the last successful login.
	user *wire.User

	// subs holds live bus registrations per channel id.
	subs map[string][]*bus.Subscription

	closing bool
}

// sessionData is the data structure for `dataChan`.
type sessionData struct {
	Error SessionError    `json:"error,omitempty"`
	Msg   *wire.ServerMsg `json:"msg,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.closeSubsLocked()

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		h.hub.delHandler(h.session.Sid)
	}
}

// closeSubsLocked detaches every bus registration. Must hold h.Mutex.
func (h *Handler) closeSubsLocked() {
	for channelID, subs := range h.subs {
		for _, sub := range subs {
			sub.Close()
		}
		delete(h.subs, channelID)
	}
}

// appendData queues a reply frame. Used by recvLoop only, so the buffered
// channel keeps request/response strictly ordered per session.
func (h *Handler) appendData(v *sessionData) {
	h.Lock()
	defer h.Unlock()
	if !h.closing {
		h.dataChan <- v
	}
}

// pushEvent queues a subscription event without ever blocking the publisher.
// A session that cannot keep up is disconnected; it will re-sync through the
// initial query on reconnect.
func (h *Handler) pushEvent(e bus.Event) {
	msg := &wire.ServerMsg{Event: &wire.Event{
		Kind:      string(e.Kind),
		ChannelID: e.ChannelID,
		Message:   e.Message,
	}}

	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	select {
	case h.dataChan <- &sessionData{Msg: msg}:
		h.Unlock()
		return
	default:
	}
	h.Unlock()

	eventsDropped.Inc()
	glog.Errorf("pushEvent(): session buffer full, disconnecting, session: %s", h)
	h.close(SlowConsumer)
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

func (h *Handler) setUser(u *wire.User) {
	h.Lock()
	h.user = u
	h.Unlock()
}

func (h *Handler) userID() string {
	h.Lock()
	defer h.Unlock()
	if h.user == nil {
		return ""
	}
	return h.user.ID
}

func sendServerMsg(conn *websocket.Conn, msg *wire.ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.isClosing() {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendData(&sessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendData(&sessionData{Msg: &wire.ServerMsg{
				Error: wire.NewInvalidArgument("websocket only supports TextMessage"),
			}})
			h.appendData(&sessionData{Error: BadRequest})
			return
		}

		req := wire.ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendData(&sessionData{Msg: &wire.ServerMsg{
				Error: wire.NewInvalidArgument(fmt.Sprintf("unmarshal error: %v", err)),
			}})
			h.appendData(&sessionData{Error: BadRequest})
			return
		}

		resp := h.serve(&req)
		if resp == nil {
			h.appendData(&sessionData{Msg: &wire.ServerMsg{
				Id:    req.Id,
				Error: wire.NewInvalidArgument("unsupported request"),
			}})
			h.appendData(&sessionData{Error: BadRequest})
			return
		}
		h.appendData(&sessionData{Msg: resp})
	}
}

// serve dispatches one request frame. Returns nil for an unknown request.
func (h *Handler) serve(req *wire.ClientMsg) *wire.ServerMsg {
	ctx := context.Background()
	resp := &wire.ServerMsg{Id: req.Id}

	if v := req.Login; v != nil {
		r, werr := h.api.Login(ctx, v)
		if werr != nil {
			resp.Error = werr
		} else {
			h.setUser(r.User)
			resp.Login = r
		}
	} else if v := req.ListMessages; v != nil {
		r, werr := h.api.ListMessages(ctx, v)
		if werr != nil {
			resp.Error = werr
		} else {
			resp.ListMessages = r
		}
	} else if v := req.SendMessage; v != nil {
		r, werr := h.api.SendMessage(ctx, h.userID(), v)
		if werr != nil {
			resp.Error = werr
		} else {
			resp.SendMessage = r
		}
	} else if v := req.ClearMessages; v != nil {
		r, werr := h.api.ClearMessages(ctx, v)
		if werr != nil {
			resp.Error = werr
		} else {
			resp.ClearMessages = r
		}
	} else if v := req.Subscribe; v != nil {
		r, werr := h.subscribe(v)
		if werr != nil {
			resp.Error = werr
		} else {
			resp.Subscribe = r
		}
	} else if v := req.Unsubscribe; v != nil {
		r, werr := h.unsubscribe(v)
		if werr != nil {
			resp.Error = werr
		} else {
			resp.Unsubscribe = r
		}
	} else {
		return nil
	}

	return resp
}

// subscribe attaches this session to the published events of one channel.
// Filtering by channel happens here, before anything hits the wire.
// Subscribing again to the same channel replaces the prior registration.
func (h *Handler) subscribe(req *wire.SubscribeReq) (*wire.SubscribeResp, *wire.Error) {
	if req.ChannelID == "" {
		return nil, wire.NewInvalidArgument("channel_id: must not be empty")
	}

	kinds := []bus.Kind{bus.KindSend, bus.KindClear}
	if len(req.Events) > 0 {
		kinds = kinds[:0]
		for _, name := range req.Events {
			switch name {
			case wire.EventSend:
				kinds = append(kinds, bus.KindSend)
			case wire.EventClear:
				kinds = append(kinds, bus.KindClear)
			default:
				return nil, wire.NewInvalidArgument(fmt.Sprintf("events: unknown kind %q", name))
			}
		}
	}

	channelID := req.ChannelID
	fn := func(e bus.Event) {
		if e.ChannelID == channelID {
			h.pushEvent(e)
		}
	}

	var subs []*bus.Subscription
	for _, kind := range kinds {
		subs = append(subs, h.bus.Subscribe(kind, fn))
	}

	h.Lock()
	old := h.subs[channelID]
	h.subs[channelID] = subs
	h.Unlock()

	for _, sub := range old {
		sub.Close()
	}

	return &wire.SubscribeResp{ChannelID: channelID}, nil
}

// unsubscribe detaches the channel registration. Unknown channels succeed:
// the end state is the same.
func (h *Handler) unsubscribe(req *wire.UnsubscribeReq) (*wire.UnsubscribeResp, *wire.Error) {
	if req.ChannelID == "" {
		return nil, wire.NewInvalidArgument("channel_id: must not be empty")
	}

	h.Lock()
	subs := h.subs[req.ChannelID]
	delete(h.subs, req.ChannelID)
	h.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	return &wire.UnsubscribeResp{ChannelID: req.ChannelID}, nil
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h.String())
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.Msg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(h.conn, v.Msg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				h.appendData(&sessionData{Error: WriteError})
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.appendData(&sessionData{Error: PingError})
				return
			}
		}
	}
}
