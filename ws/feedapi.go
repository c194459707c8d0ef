package ws

import (
	"context"

	"github.com/mqy/minichat/feed"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
)

const (
	ErrorCodeInvalidArguments = 3
	ErrorCodeInternal         = 13

	maxPrincipalLen = 320
)

// FeedApi serves websocket client requests.
type FeedApi struct {
	store store.IMessageStore
	conf  *pb.WsConf
}

func NewApi(store store.IMessageStore, conf *pb.WsConf) *FeedApi {
	return &FeedApi{
		store: store,
		conf:  conf,
	}
}

// Subscribe validates a subscribe request and returns the normalized peer.
func (s *FeedApi) Subscribe(req *pb.SubscribeReq) (string, *pb.Error) {
	peer := feed.NormalizePrincipal(req.Peer)
	if peer == "" {
		return "", newInvalidArgumentError(&pb.ClientMsg{Subscribe: req}, "peer: should not be empty")
	}
	if len(peer) > maxPrincipalLen {
		return "", newInvalidArgumentError(&pb.ClientMsg{Subscribe: req}, "peer: too long")
	}
	return peer, nil
}

// Snapshot lists the feed for the conversation between me and peer, newest
// first. With scoped feed off, the whole feed is returned and clients filter.
func (s *FeedApi) Snapshot(ctx context.Context, me, peer string) (*pb.Snapshot, *pb.Error) {
	var pair *store.Pair
	if s.conf.ScopedFeed {
		pair = &store.Pair{A: me, B: peer}
	}

	list, err := s.store.List(ctx, pair, s.conf.SnapshotLimit)
	if err != nil {
		return nil, newInternalError(&pb.ClientMsg{Subscribe: &pb.SubscribeReq{Peer: peer}}, err.Error())
	}

	out := &pb.Snapshot{
		Me:       me,
		Peer:     peer,
		Scoped:   s.conf.ScopedFeed,
		Messages: make([]*pb.Message, 0, len(list)),
	}
	for _, m := range list {
		out.Messages = append(out.Messages, &pb.Message{
			Id:        m.Id,
			CreatedAt: feed.FormatTime(m.CreatedAt),
			Text:      m.Text,
			Sender:    m.Sender,
			Receiver:  m.Receiver,
		})
	}
	return out, nil
}

func newInvalidArgumentError(req *pb.ClientMsg, errs ...string) *pb.Error {
	return &pb.Error{
		Code:   ErrorCodeInvalidArguments,
		Params: errs,
		Req:    req,
	}
}

func newInternalError(req *pb.ClientMsg, err string) *pb.Error {
	return &pb.Error{
		Code:   ErrorCodeInternal,
		Params: []string{err},
		Req:    req,
	}
}

func interceptError(err *pb.Error) {
	if err.Code == ErrorCodeInternal {
		err.Params = []string{"temp storage error"}
	}
}
