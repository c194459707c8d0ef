package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/cluster"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
)

var (
	liveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minichat_ws_sessions",
		Help: "Live websocket sessions on this node.",
	})

	snapshotsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_ws_snapshots_total",
		Help: "Feed snapshots pushed to websocket sessions.",
	})
)

// Hub works as a hub that manages and serves sessions.
type Hub struct {
	cluster.IHub

	wsConf     *pb.WsConf
	feedApi    *FeedApi
	authClient auth.Client
	hstore     *HandlerStore
	online     atomic.Bool

	mu    sync.RWMutex
	ctx   context.Context
	hubC  chan<- *pb.HubMsg
	ready chan struct{}
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, messageStore store.IMessageStore, wsConf *pb.WsConf) *Hub {
	return &Hub{
		wsConf:     wsConf,
		feedApi:    NewApi(messageStore, wsConf),
		authClient: authClient,
		hstore:     newHandlerStore(),
		ready:      make(chan struct{}),
	}
}

// Run implements `cluster.IHub.Run`.
func (h *Hub) Run(ctx context.Context, hubC chan<- *pb.HubMsg, pushC <-chan *pb.PushMsg,
	stopDoneNotifyC chan<- struct{}) {
	h.mu.Lock()
	h.ctx = ctx
	h.hubC = hubC
	close(h.ready)
	h.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			glog.Infof("close connections ...")
			h.hstore.close()
			glog.Infof("close connections done")
			stopDoneNotifyC <- struct{}{}
			return
		case msg, ok := <-pushC:
			if !ok {
				return
			}

			if glog.V(5) {
				out, _ := json.Marshal(msg)
				glog.Infof("hub: get server message: %s", out)
			}

			if v := msg.Kickoff; len(v) > 0 {
				for _, sid := range v {
					h.Kickoff(sid)
				}
			} else if msg.FeedChanged {
				for _, s := range h.hstore.subscribed() {
					s.refresh()
				}
			}
		}
	}
}

// emit sends msg to the cluster, dropped when the hub is stopped.
func (h *Hub) emit(msg *pb.HubMsg) {
	<-h.ready
	h.mu.RLock()
	ctx, hubC := h.ctx, h.hubC
	h.mu.RUnlock()

	select {
	case hubC <- msg:
	case <-ctx.Done():
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.online.Load() {
		http.Error(w, "This node is temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	principal, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &pb.Session{
		Principal:  principal,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, principal: %s, err: %s", principal, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := newHandler(h, sess, conn)

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(sess.Sid)
		return nil
	})

	h.addHandler(handler)
	handler.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{Conf: h.wsConf}})

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	liveSessions.Inc()
	h.emit(&pb.HubMsg{SessionOnline: handler.session})
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		liveSessions.Dec()
		h.emit(&pb.HubMsg{SessionOffline: sid})
	}
}

// Online implements `cluster.IHub.Online`
func (h *Hub) Online() {
	glog.Infof("Online()")
	h.online.Store(true)

	// Re-sync local sessions.
	sessions := h.hstore.copySessions()
	if len(sessions) == 0 {
		return
	}

	glog.V(5).Infof("Online(): sync %d sessions ...", len(sessions))

	const batch = 1000
	size := len(sessions)
	for i := 0; i < size; i += batch {
		j := i + batch
		if j > size {
			j = size
		}
		h.emit(&pb.HubMsg{
			SyncSessions: sessions[i:j],
		})
	}

	glog.V(5).Infof("Online(): sync %d sessions done.", len(sessions))
}

// Offline implements `cluster.IHub.Offline`
func (h *Hub) Offline() {
	glog.Infof("Offline()")
	h.online.Store(false)
}

// Kickoff implements `cluster.IHub.Kickoff`
func (h *Hub) Kickoff(sid string) {
	glog.Infof("Kickoff: %s", sid)
	if s := h.hstore.get(sid); s != nil {
		glog.V(5).Infof("Kickoff(): kickoff local session: %s", s)
		if h.hstore.del(sid) {
			liveSessions.Dec()
		}
		s.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{Kickoff: true}})
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
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
