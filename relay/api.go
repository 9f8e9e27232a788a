package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"chatrelay/bus"
	"chatrelay/store"
	"chatrelay/wire"
)

const (
	MinSendLimit = 1
	MaxSendLimit = 65536
)

// Conf carries the tunables of the relay surface.
type Conf struct {
	// SendLimit is the max accepted content size in bytes.
	SendLimit int
}

// Api serves relay requests: it validates input, talks to the store, and
// publishes domain events on success. One instance is shared by all
// connections.
type Api struct {
	store store.Store
	bus   *bus.Bus
	conf  *Conf

	// publishMu serializes persist+publish so subscribers observe send
	// events in persisted order. The two steps are still not atomic
	// across a crash; clients recover by re-querying on reconnect.
	publishMu sync.Mutex
}

func NewApi(s store.Store, b *bus.Bus, conf *Conf) *Api {
	return &Api{store: s, bus: b, conf: conf}
}

// Login finds or creates the user. The caller (Handler) binds the returned
// identity to its session.
func (a *Api) Login(ctx context.Context, req *wire.LoginReq) (*wire.LoginResp, *wire.Error) {
	if req.Name == "" {
		return nil, wire.NewInvalidArgument("name: must not be empty")
	}

	user, err := a.store.EnsureUser(ctx, req.Name)
	if err != nil {
		return nil, mapStoreError("Login", err)
	}
	return &wire.LoginResp{User: user}, nil
}

// ListMessages returns the persisted log of a channel in creation order.
func (a *Api) ListMessages(ctx context.Context, req *wire.ListMessagesReq) (*wire.ListMessagesResp, *wire.Error) {
	if req.ChannelID == "" {
		return nil, wire.NewInvalidArgument("channel_id: must not be empty")
	}

	messages, err := a.store.ListMessages(ctx, req.ChannelID)
	if err != nil {
		return nil, mapStoreError("ListMessages", err)
	}
	return &wire.ListMessagesResp{Messages: messages}, nil
}

// SendMessage persists a message and publishes the send event before
// returning, so a subscriber connected before this call began observes the
// event no later than the caller observes the response.
func (a *Api) SendMessage(ctx context.Context, authorID string, req *wire.SendMessageReq) (*wire.SendMessageResp, *wire.Error) {
	if authorID == "" {
		return nil, wire.NewUnauthenticated("send_message requires login")
	}
	if req.AuthorID != "" && req.AuthorID != authorID {
		return nil, wire.NewUnauthenticated("author_id does not match session identity")
	}

	var errs []string
	if req.ChannelID == "" {
		errs = append(errs, "channel_id: must not be empty")
	}
	if req.Content == "" {
		errs = append(errs, "content: must not be empty")
	}
	if len(req.Content) > a.conf.SendLimit {
		errs = append(errs, fmt.Sprintf("content: exceeds limit: %d bytes", a.conf.SendLimit))
	}
	if len(errs) > 0 {
		return nil, wire.NewInvalidArgument(errs...)
	}

	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	msg, err := a.store.CreateMessage(ctx, req.Content, authorID, req.ChannelID)
	if err != nil {
		// Failed writes publish nothing.
		return nil, mapStoreError("SendMessage", err)
	}

	messagesSent.Inc()
	a.publish(bus.Event{Kind: bus.KindSend, ChannelID: msg.ChannelID, Message: msg})

	return &wire.SendMessageResp{Message: msg}, nil
}

// ClearMessages deletes the channel log and publishes the clear event.
// Idempotent: clearing an empty channel still emits one event.
func (a *Api) ClearMessages(ctx context.Context, req *wire.ClearMessagesReq) (*wire.ClearMessagesResp, *wire.Error) {
	if req.ChannelID == "" {
		return nil, wire.NewInvalidArgument("channel_id: must not be empty")
	}

	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	if err := a.store.ClearMessages(ctx, req.ChannelID); err != nil {
		return nil, mapStoreError("ClearMessages", err)
	}

	a.publish(bus.Event{Kind: bus.KindClear, ChannelID: req.ChannelID})

	return &wire.ClearMessagesResp{ChannelID: req.ChannelID}, nil
}

func (a *Api) publish(e bus.Event) {
	a.bus.Publish(e)
	eventsPublished.WithLabelValues(string(e.Kind)).Inc()
}

// mapStoreError turns a store failure into a wire error. Internal causes are
// logged in full and scrubbed before transmission.
func mapStoreError(op string, err error) *wire.Error {
	if store.IsValidation(err) {
		return wire.NewInvalidArgument(err.Error())
	}
	glog.Errorf("%s: storage error: %v", op, err)
	return wire.NewInternal("temp storage error")
}
