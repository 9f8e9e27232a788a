// Package relay exposes the message relay over websocket: request/response
// calls for queries and mutations, plus server-pushed send/clear events for
// subscribed channels, all on one connection per client.
package relay

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"chatrelay/bus"
)

// Session describes one websocket connection.
type Session struct {
	Sid        string `json:"sid"`
	Ip         string `json:"ip"`
	CreateTime int64  `json:"create_time"`
}

// Hub accepts websocket connections and manages their handlers.
type Hub struct {
	api    *Api
	bus    *bus.Bus
	hstore *HandlerStore
}

func NewHub(api *Api, b *bus.Bus) *Hub {
	return &Hub{
		api: api,
		bus: b,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
}

// Run blocks until ctx is cancelled, then closes every open connection.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	<-ctx.Done()
	glog.Infof("hub: close %d connections ...", h.hstore.size())
	h.hstore.close()
	glog.Infof("hub: close connections done")
	stopDoneNotifyC <- struct{}{}
}

// ServeHTTP upgrades the request and starts the session loops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := &Session{
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, Upgrade replies to the client with an HTTP error.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error: %v", err)
		return
	}

	handler := &Handler{
		dataChan: make(chan *sessionData, sendBuffer),
		session:  sess,
		conn:     conn,
		api:      h.api,
		bus:      h.bus,
		hub:      h,
		subs:     make(map[string][]*bus.Subscription),
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(sess.Sid)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	openSessions.Set(float64(h.hstore.size()))
	glog.V(5).Infof("session open: %s", handler)
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		openSessions.Set(float64(h.hstore.size()))
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
