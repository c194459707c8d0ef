package cluster

import (
	"context"

	"github.com/segmentio/kafka-go"

	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type ICluster interface {
	Run(ctx context.Context, stopNotifyCh chan<- struct{})

	// SaveMsg accepts a message into the feed. Subscribers learn about it
	// through the hub once it is stored.
	SaveMsg(ctx context.Context, msg *store.Message) error
}

// IHub provides interfaces of local Hub.
type IHub interface {
	Run(context.Context, chan<- *pb.HubMsg, <-chan *pb.PushMsg, chan<- struct{})
	Kickoff(string)
	Online()
	Offline()
}
