package cluster

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cluster_mock "github.com/mqy/minichat/cluster/mock"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
	store_mock "github.com/mqy/minichat/store/mock"
)

func testMsg() *store.Message {
	return &store.Message{
		Id:        "m1",
		CreatedAt: time.Unix(1714557600, 250_000_000),
		Text:      "hi bob",
		Sender:    "alice@x.io",
		Receiver:  "bob@x.io",
	}
}

func TestEncodeDecodeMsg(t *testing.T) {
	m := testMsg()
	value, err := encodeMsg(m)
	require.NoError(t, err)

	got, err := decodeMsg(value)
	require.NoError(t, err)
	assert.True(t, m.Same(got))

	for _, bad := range []string{
		`not json`,
		`{"id":"","sender":"a","receiver":"b","createdAt":1}`,
		`{"id":"x","sender":"a","receiver":"b","createdAt":"yesterday"}`,
	} {
		_, err := decodeMsg([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestWriteMsg(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	writer := cluster_mock.NewMockIKafkaWriter(mockCtrl)
	ctx := context.Background()

	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			require.Len(t, msgs, 1)
			assert.Equal(t, "m1", string(msgs[0].Key))
			return nil
		})
	assert.NoError(t, writeMsg(ctx, writer, testMsg(), 1024))

	// too large: never reaches kafka.
	assert.Error(t, writeMsg(ctx, writer, testMsg(), 8))

	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))
	assert.Error(t, writeMsg(ctx, writer, testMsg(), 1024))
}

func TestNotifierCoalesces(t *testing.T) {
	pushChan := make(chan *pb.PushMsg, 4)
	n := newNotifier(pushChan)
	ctx := context.Background()

	n.check(ctx)
	assert.Len(t, pushChan, 0)

	n.mark()
	n.mark()
	n.mark()
	n.check(ctx)
	require.Len(t, pushChan, 1)
	assert.True(t, (<-pushChan).FeedChanged)

	n.check(ctx)
	assert.Len(t, pushChan, 0)
}

func TestConsumeLoop(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := store_mock.NewMockIMessageStore(mockCtrl)
	kafkaMock := cluster_mock.NewMockIKafkaReader(mockCtrl)

	s := newStorage(storeMock, kafkaMock, nil, true, 30, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	value, err := encodeMsg(testMsg())
	require.NoError(t, err)

	fetched := kafka.Message{Offset: 1, Key: []byte("m1"), Value: value, Time: time.Now()}

	gomock.InOrder(
		kafkaMock.EXPECT().FetchMessage(gomock.Any()).Return(fetched, nil),
		storeMock.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, m *store.Message) (string, error) {
				assert.True(t, testMsg().Same(m))
				return m.Id, nil
			}),
		kafkaMock.EXPECT().CommitMessages(gomock.Any(), fetched).Return(nil),
	)

	blocked := make(chan struct{})
	kafkaMock.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(func(ctx context.Context) (kafka.Message, error) {
		close(blocked)
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	})

	s.wg.Add(1)
	go s.consumeLoop(ctx)

	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("consume loop did not reach the second fetch")
	}
	cancel()
	s.wg.Wait()

	assert.True(t, s.notifier.dirty)
}

func TestConsumeLoopDropsConflict(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := store_mock.NewMockIMessageStore(mockCtrl)
	kafkaMock := cluster_mock.NewMockIKafkaReader(mockCtrl)

	s := newStorage(storeMock, kafkaMock, nil, false, 0, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	value, err := encodeMsg(testMsg())
	require.NoError(t, err)

	dupErr := errors.New("Duplicate entry")
	gomock.InOrder(
		kafkaMock.EXPECT().FetchMessage(gomock.Any()).Return(kafka.Message{Value: value, Time: time.Now()}, nil),
		storeMock.EXPECT().Append(gomock.Any(), gomock.Any()).Return("", dupErr),
		storeMock.EXPECT().IsDupKeyError(dupErr).Return(true),
		kafkaMock.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).Return(nil),
	)

	blocked := make(chan struct{})
	kafkaMock.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(func(ctx context.Context) (kafka.Message, error) {
		close(blocked)
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	})

	s.wg.Add(1)
	go s.consumeLoop(ctx)

	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("consume loop did not reach the second fetch")
	}
	cancel()
	s.wg.Wait()

	assert.False(t, s.notifier.dirty)
}

func TestDecodeKafkaMsg(t *testing.T) {
	s := newStorage(nil, nil, nil, true, 1, 64)

	value, err := encodeMsg(testMsg())
	require.NoError(t, err)
	require.True(t, len(value) > 64)
	assert.Nil(t, s.decodeKafkaMsg(&kafka.Message{Value: value, Time: time.Now()}))

	s.valueMaxBytes = 1024
	assert.NotNil(t, s.decodeKafkaMsg(&kafka.Message{Value: value, Time: time.Now()}))
	assert.Nil(t, s.decodeKafkaMsg(&kafka.Message{Value: value, Time: time.Now().Add(-48 * time.Hour)}))
	assert.Nil(t, s.decodeKafkaMsg(&kafka.Message{Value: []byte("{}"), Time: time.Now()}))
}

func TestBackoff(t *testing.T) {
	var d time.Duration
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
	backoff(&d)
	assert.Equal(t, 1500*time.Millisecond, d)

	d = BackoffMaxInterval
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
}

func TestSaveMsgDirect(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := store_mock.NewMockIMessageStore(mockCtrl)
	s := NewStandalone(&ClusterCfg{
		Mux:                    http.NewServeMux(),
		MessageStore:           storeMock,
		MessagePayloadMaxBytes: 1024,
		SessionQuota:           1,
	})

	storeMock.EXPECT().Append(gomock.Any(), gomock.Any()).Return("m1", nil)
	require.NoError(t, s.SaveMsg(context.Background(), testMsg()))
	assert.True(t, s.storage.notifier.dirty)

	s.storage.notifier.dirty = false
	storeMock.EXPECT().Append(gomock.Any(), gomock.Any()).Return("", errors.New("db down"))
	assert.Error(t, s.SaveMsg(context.Background(), testMsg()))
	assert.False(t, s.storage.notifier.dirty)
}

func TestSaveMsgKafka(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	writer := cluster_mock.NewMockIKafkaWriter(mockCtrl)
	s := NewStandalone(&ClusterCfg{
		Mux:                    http.NewServeMux(),
		MessagePayloadMaxBytes: 1024,
	})
	s.kafkaWriter = writer

	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(nil)
	require.NoError(t, s.SaveMsg(context.Background(), testMsg()))
	assert.False(t, s.storage.notifier.dirty)
}
