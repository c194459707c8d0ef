package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
	store_mock "github.com/mqy/minichat/store/mock"
)

type testHub struct {
	hub   *Hub
	srv   *httptest.Server
	hubC  chan *pb.HubMsg
	pushC chan *pb.PushMsg
}

func newTestHub(t *testing.T, ms store.IMessageStore, conf *pb.WsConf) *testHub {
	ctx, cancel := context.WithCancel(context.Background())

	th := &testHub{
		hub:   NewHub(&auth.MockClient{}, ms, conf),
		hubC:  make(chan *pb.HubMsg, 64),
		pushC: make(chan *pb.PushMsg),
	}
	stopC := make(chan struct{}, 1)
	go th.hub.Run(ctx, th.hubC, th.pushC, stopC)

	mux := http.NewServeMux()
	mux.Handle("/ws", th.hub)
	th.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		th.srv.Close()
		cancel()
		<-stopC
	})
	return th
}

func (th *testHub) dial(t *testing.T, principal string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(th.srv.URL, "http") + "/ws"
	header := http.Header{}
	if principal != "" {
		header.Set("Cookie", "x-principal="+principal)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readServerMsg(t *testing.T, conn *websocket.Conn) *pb.ServerMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg pb.ServerMsg
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func storedMessages() []*store.Message {
	return []*store.Message{
		{Id: "m2", CreatedAt: time.UnixMilli(2000), Text: "hi alice", Sender: "bob@x.io", Receiver: "alice@x.io"},
		{Id: "m1", CreatedAt: time.UnixMilli(1000), Text: "hi bob", Sender: "alice@x.io", Receiver: "bob@x.io"},
	}
}

func TestHubSubscribeAndFeedChanged(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	ms := store_mock.NewMockIMessageStore(mockCtrl)

	conf := &pb.WsConf{ScopedFeed: true, SnapshotLimit: 50, MaxMsgSize: 1024}
	th := newTestHub(t, ms, conf)
	th.hub.Online()

	ms.EXPECT().List(gomock.Any(), &store.Pair{A: "alice@x.io", B: "bob@x.io"}, int32(50)).
		Return(storedMessages(), nil).AnyTimes()

	conn, _, err := th.dial(t, "alice@x.io")
	require.NoError(t, err)

	first := readServerMsg(t, conn)
	require.NotNil(t, first.Conf)
	assert.True(t, first.Conf.ScopedFeed)

	require.NoError(t, conn.WriteJSON(&pb.ClientMsg{Subscribe: &pb.SubscribeReq{Peer: "bob@x.io"}}))

	snap := readServerMsg(t, conn).Snapshot
	require.NotNil(t, snap)
	assert.Equal(t, "alice@x.io", snap.Me)
	assert.Equal(t, "bob@x.io", snap.Peer)
	assert.True(t, snap.Scoped)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "m2", snap.Messages[0].Id)
	assert.Equal(t, "2000", string(snap.Messages[0].CreatedAt))

	th.pushC <- &pb.PushMsg{FeedChanged: true}
	snap = readServerMsg(t, conn).Snapshot
	require.NotNil(t, snap)
	assert.Len(t, snap.Messages, 2)

	online := <-th.hubC
	require.NotNil(t, online.SessionOnline)
	assert.Equal(t, "alice@x.io", online.SessionOnline.Principal)
}

func TestHubUnsubscribe(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	ms := store_mock.NewMockIMessageStore(mockCtrl)

	th := newTestHub(t, ms, &pb.WsConf{ScopedFeed: true})
	th.hub.Online()

	// the peer is normalized like stored principals; one query only.
	ms.EXPECT().List(gomock.Any(), &store.Pair{A: "alice@x.io", B: "bob@x.io"}, int32(0)).
		Return(storedMessages(), nil).Times(1)

	conn, _, err := th.dial(t, "alice@x.io")
	require.NoError(t, err)
	require.NotNil(t, readServerMsg(t, conn).Conf)

	require.NoError(t, conn.WriteJSON(&pb.ClientMsg{Subscribe: &pb.SubscribeReq{Peer: " Bob@X.io "}}))
	snap := readServerMsg(t, conn).Snapshot
	require.NotNil(t, snap)
	assert.Equal(t, "bob@x.io", snap.Peer)

	require.NoError(t, conn.WriteJSON(&pb.ClientMsg{Unsubscribe: &pb.UnsubscribeReq{}}))
	// an invalid request answers in order, so the unsubscribe is processed once it arrives.
	require.NoError(t, conn.WriteJSON(&pb.ClientMsg{Subscribe: &pb.SubscribeReq{}}))
	require.NotNil(t, readServerMsg(t, conn).Error)

	th.pushC <- &pb.PushMsg{FeedChanged: true}

	require.NoError(t, conn.WriteJSON(&pb.ClientMsg{Subscribe: &pb.SubscribeReq{}}))
	msg := readServerMsg(t, conn)
	assert.Nil(t, msg.Snapshot)
	require.NotNil(t, msg.Error)
	assert.EqualValues(t, ErrorCodeInvalidArguments, msg.Error.Code)
}

func TestHubBadSubscribe(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	ms := store_mock.NewMockIMessageStore(mockCtrl)

	th := newTestHub(t, ms, &pb.WsConf{ScopedFeed: true})
	th.hub.Online()

	conn, _, err := th.dial(t, "alice@x.io")
	require.NoError(t, err)
	require.NotNil(t, readServerMsg(t, conn).Conf)

	require.NoError(t, conn.WriteJSON(&pb.ClientMsg{Subscribe: &pb.SubscribeReq{Peer: "  "}}))
	msg := readServerMsg(t, conn)
	require.NotNil(t, msg.Error)
	assert.EqualValues(t, ErrorCodeInvalidArguments, msg.Error.Code)
}

func TestHubStoreErrorIsMasked(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	ms := store_mock.NewMockIMessageStore(mockCtrl)

	th := newTestHub(t, ms, &pb.WsConf{})
	th.hub.Online()

	ms.EXPECT().List(gomock.Any(), nil, int32(0)).Return(nil, errors.New("dial tcp 10.0.0.1:3306: refused"))

	conn, _, err := th.dial(t, "alice@x.io")
	require.NoError(t, err)
	require.NotNil(t, readServerMsg(t, conn).Conf)

	require.NoError(t, conn.WriteJSON(&pb.ClientMsg{Subscribe: &pb.SubscribeReq{Peer: "bob@x.io"}}))
	msg := readServerMsg(t, conn)
	require.NotNil(t, msg.Error)
	assert.EqualValues(t, ErrorCodeInternal, msg.Error.Code)
	assert.Equal(t, []string{"temp storage error"}, msg.Error.Params)
}

func TestHubKickoff(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	ms := store_mock.NewMockIMessageStore(mockCtrl)

	th := newTestHub(t, ms, &pb.WsConf{})
	th.hub.Online()

	conn, _, err := th.dial(t, "alice@x.io")
	require.NoError(t, err)
	require.NotNil(t, readServerMsg(t, conn).Conf)

	online := <-th.hubC
	require.NotNil(t, online.SessionOnline)

	th.pushC <- &pb.PushMsg{Kickoff: []string{online.SessionOnline.Sid}}
	assert.True(t, readServerMsg(t, conn).Kickoff)
	assert.Equal(t, 0, th.hub.hstore.count())
}

func TestHubRejects(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	ms := store_mock.NewMockIMessageStore(mockCtrl)

	th := newTestHub(t, ms, &pb.WsConf{})

	_, resp, err := th.dial(t, "alice@x.io")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	th.hub.Online()
	_, resp, err = th.dial(t, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestFeedApiSnapshotScope(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	ms := store_mock.NewMockIMessageStore(mockCtrl)
	ctx := context.Background()

	ms.EXPECT().List(ctx, nil, int32(10)).Return(storedMessages(), nil)
	snap, err := NewApi(ms, &pb.WsConf{SnapshotLimit: 10}).Snapshot(ctx, "alice@x.io", "bob@x.io")
	require.Nil(t, err)
	assert.False(t, snap.Scoped)
	assert.Len(t, snap.Messages, 2)

	ms.EXPECT().List(ctx, &store.Pair{A: "alice@x.io", B: "alice@x.io"}, int32(0)).Return(nil, nil)
	snap, err = NewApi(ms, &pb.WsConf{ScopedFeed: true}).Snapshot(ctx, "alice@x.io", "alice@x.io")
	require.Nil(t, err)
	assert.True(t, snap.Scoped)
	assert.Empty(t, snap.Messages)
}

func TestGetRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", getRemoteIP(r))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "2.2.2.2", getRemoteIP(r))

	r.Header.Set("X-Real-IP", "3.3.3.3")
	assert.Equal(t, "3.3.3.3", getRemoteIP(r))
}
