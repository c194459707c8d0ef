package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	pb "github.com/mqy/minichat/proto"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
	KickedOff  SessionError = 6
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Time allowed to query a snapshot.
	snapshotWait = 5 * time.Second

	// default websocket max message size to read.
	defaultReadLimit = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler managers an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	feedApi *FeedApi
	hub     *Hub

	session *pb.Session
	conn    *websocket.Conn

	dataChan chan *SessionData

	// refreshChan coalesces snapshot requests, capacity 1.
	refreshChan chan struct{}

	peer    string
	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError  `json:"error,omitempty"`
	ServerMsg *pb.ServerMsg `json:"resp,omitempty"`
}

func newHandler(hub *Hub, sess *pb.Session, conn *websocket.Conn) *Handler {
	return &Handler{
		dataChan:    make(chan *SessionData, 16),
		refreshChan: make(chan struct{}, 1),
		session:     sess,
		conn:        conn,
		feedApi:     hub.feedApi,
		hub:         hub,
	}
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) getPeer() string {
	h.Lock()
	defer h.Unlock()
	return h.peer
}

func (h *Handler) setPeer(peer string) {
	h.Lock()
	h.peer = peer
	h.Unlock()
}

// refresh asks sendLoop to push a fresh snapshot. Never blocks.
func (h *Handler) refresh() {
	select {
	case h.refreshChan <- struct{}{}:
	default:
	}
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask for node to remove this handler.
		go h.hub.delHandler(h.session.Sid)
	}
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if !h.closing {
		h.dataChan <- v
	}
}

func sendServerMsg(conn *websocket.Conn, msg *pb.ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	readLimit := int64(h.hub.wsConf.MaxMsgSize)
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.isClosing() {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.Errorf("recvLoop(): read error: %v", err)
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{
				Error: newInvalidArgumentError(nil, "websocket only supports TextMessage"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := pb.ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{
				Error: newInvalidArgumentError(nil, fmt.Sprintf("unmarshal error: %v", err)),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		if v := req.Subscribe; v != nil {
			peer, err := h.feedApi.Subscribe(v)
			if err != nil {
				glog.Errorf("recvLoop(): Subscribe error: %+v", err)
				h.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{Error: err}})
				continue
			}
			h.setPeer(peer)
			h.refresh()
		} else if req.Unsubscribe != nil {
			h.setPeer("")
		} else {
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			h.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{
				Error: newInvalidArgumentError(&req, "unsupported request"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
		}
	}
}

// snapshot queries the conversation, nil when unsubscribed meanwhile.
func (h *Handler) snapshot() *pb.ServerMsg {
	peer := h.getPeer()
	if peer == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotWait)
	defer cancel()

	snap, err := h.feedApi.Snapshot(ctx, h.session.Principal, peer)
	if err != nil {
		glog.Errorf("snapshot(): error: %+v, session: %s", err, h)
		interceptError(err)
		return &pb.ServerMsg{Error: err}
	}
	if h.getPeer() != peer {
		// switched while querying, a newer refresh is pending.
		return nil
	}
	snapshotsSent.Inc()
	return &pb.ServerMsg{Snapshot: snap}
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

			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h.String())
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				h.close(WriteError)
				return
			}
			if v.ServerMsg.Kickoff {
				h.close(KickedOff)
				return
			}
		case <-h.refreshChan:
			msg := h.snapshot()
			if msg == nil {
				continue
			}
			if err := sendServerMsg(h.conn, msg); err != nil {
				glog.Errorf("sendLoop(), error write snapshot. session: %s, err: %v", h.String(), err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
