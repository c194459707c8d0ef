package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/feed"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
)

func encodeMsg(msg *store.Message) ([]byte, error) {
	return json.Marshal(&pb.Message{
		Id:        msg.Id,
		CreatedAt: feed.FormatTime(msg.CreatedAt),
		Text:      msg.Text,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
	})
}

func decodeMsg(value []byte) (*store.Message, error) {
	var v pb.Message
	if err := json.Unmarshal(value, &v); err != nil {
		return nil, err
	}
	if v.Id == "" || v.Sender == "" || v.Receiver == "" {
		return nil, fmt.Errorf("incomplete message: %s", string(value))
	}
	t, ok := feed.ParseTime(v.CreatedAt)
	if !ok {
		return nil, fmt.Errorf("bad createdAt: %s", string(v.CreatedAt))
	}
	return &store.Message{
		Id:        v.Id,
		CreatedAt: t,
		Text:      v.Text,
		Sender:    v.Sender,
		Receiver:  v.Receiver,
	}, nil
}

func writeMsg(ctx context.Context, kafkaWriter IKafkaWriter, msg *store.Message, limit int) error {
	value, err := encodeMsg(msg)
	if err != nil {
		return fmt.Errorf("error marshal msg: %v, err: %v", msg.Id, err)
	}
	if len(value) > limit {
		return fmt.Errorf("storage: msg exceeds max limit: %d bytes", limit)
	}

	km := kafka.Message{
		Key:   []byte(msg.Id),
		Value: value,
	}

	ctx2, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	if err := kafkaWriter.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %s", err)
	}
	return nil
}
