package cluster

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	kafka "github.com/segmentio/kafka-go"

	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
)

const (
	storeSendInterval   = 200 * time.Millisecond
	storeDeleteInterval = time.Hour

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

var (
	savedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_storage_messages_total",
		Help: "Messages handled by the storage, by result.",
	}, []string{"result"})

	feedChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_storage_feed_changes_total",
		Help: "Coalesced feed change notifications pushed to the hub.",
	})
)

// notifier coalesces feed changes: the hub is told at most once per
// storeSendInterval, however many messages were stored meanwhile.
type notifier struct {
	sync.Mutex
	dirty    bool
	pushChan chan<- *pb.PushMsg
}

func newNotifier(pushChan chan<- *pb.PushMsg) *notifier {
	return &notifier{pushChan: pushChan}
}

func (n *notifier) mark() {
	n.Lock()
	n.dirty = true
	n.Unlock()
}

func (n *notifier) check(ctx context.Context) {
	n.Lock()
	dirty := n.dirty
	n.dirty = false
	n.Unlock()

	if !dirty {
		return
	}
	glog.V(7).Info("storage: push feed changed")
	select {
	case n.pushChan <- &pb.PushMsg{FeedChanged: true}:
		feedChanges.Inc()
	case <-ctx.Done():
	}
}

// storage consumes incoming messages from kafka and appends them to the store.
// It also periodically deletes outdated messages when cleanMessages is set.
// There MUST have exactly one storage instance per kafka group.
type storage struct {
	ms            store.IMessageStore
	cleanMessages bool
	ttlDays       int32
	valueMaxBytes int32
	kafkaReader   IKafkaReader
	wg            sync.WaitGroup
	notifier      *notifier
}

// newStorage creates a storage. kafkaReader may be nil, then messages are only
// appended through save().
func newStorage(ms store.IMessageStore, kafkaReader IKafkaReader, pushChan chan<- *pb.PushMsg,
	cleanMessages bool, ttlDays, valueMaxBytes int32) *storage {

	if !cleanMessages {
		ttlDays = math.MaxInt32
	}

	return &storage{
		ms:            ms,
		cleanMessages: cleanMessages,
		ttlDays:       ttlDays,
		valueMaxBytes: valueMaxBytes,
		kafkaReader:   kafkaReader,
		notifier:      newNotifier(pushChan),
	}
}

func (s *storage) run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("storage: run enter")

	if s.kafkaReader != nil {
		s.wg.Add(1)
		go s.consumeLoop(ctx)
	}
	s.wg.Add(1)
	go s.sendLoop(ctx)
	if s.cleanMessages {
		s.wg.Add(1)
		go s.deleteLoop(ctx)
	}

	glog.Info("storage: ready")

	<-ctx.Done()

	glog.Info("storage: stopping")
	if s.kafkaReader != nil {
		_ = s.kafkaReader.Close() // slow: take about 7s
	}

	glog.Info("storage: stop wait")
	s.wg.Wait()

	glog.Info("storage: stopped")
	stopDoneNotifyC <- struct{}{}
}

// save appends msg directly, used when kafka is not configured.
func (s *storage) save(ctx context.Context, msg *store.Message) error {
	if _, err := s.ms.Append(ctx, msg); err != nil {
		savedMessages.WithLabelValues("error").Inc()
		return err
	}
	savedMessages.WithLabelValues("ok").Inc()
	s.notifier.mark()
	return nil
}

// deleteLoop deletes outdated messages.
func (s *storage) deleteLoop(ctx context.Context) {
	glog.Info("storage: delete loop enter")

	ticker := time.NewTicker(storeDeleteInterval)
	defer func() {
		ticker.Stop()
		glog.Info("storage: delete loop exit")
		s.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := s.ms.DeleteOutdated(ctx, s.ttlDays)
			if err == nil {
				glog.Infof("storage: deleted %d outdated messages, took %s", n, time.Since(start))
				if n > 0 {
					s.notifier.mark()
				}
			} else {
				glog.Errorf("storage: delete outdated messages error: %v ", err)
			}
		}
	}
}

// sendLoop pushes coalesced feed changes periodically.
func (s *storage) sendLoop(ctx context.Context) {
	glog.Info("storage: send loop enter")

	ticker := time.NewTicker(storeSendInterval)
	defer func() {
		ticker.Stop()
		glog.Info("storage: send loop exit")
		s.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.notifier.check(ctx)
		}
	}
}

// consumeLoop consumes kafka: append message then commit offset.
// It may block at reading kafka message.
func (s *storage) consumeLoop(ctx context.Context) {
	glog.Info("storage: consume loop enter")

	defer func() {
		glog.Info("storage: consume loop exited")
		s.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("storage: fetching message ...")
		msg, err := s.kafkaReader.FetchMessage(ctx)
		if err != nil {
			glog.Errorf("storage: fetch from kafka err: %v", err)
			if err == context.Canceled || ctx.Err() != nil {
				glog.V(5).Info("storage: fetch was cancelled")
				return
			}
			if !sleepBackoff(ctx, &sleep) {
				return
			}
			continue
		}
		sleep = 0

		// skip: bad format or too old. Still committed below.
		if value := s.decodeKafkaMsg(&msg); value != nil {
			if !s.appendWithRetry(ctx, value) {
				return
			}
		}

		for {
			err := s.kafkaReader.CommitMessages(ctx, msg)
			if err == nil {
				sleep = 0
				break
			}
			// If this message is not committed back, it will be fetched by in next FetchMessage().
			// Append treats an identical replay as success.
			glog.Errorf("storage: commit to kafka err: %v", err)
			if err == context.Canceled || ctx.Err() != nil {
				glog.V(5).Info("storage: commit to kafka was cancelled")
				return
			}
			if !sleepBackoff(ctx, &sleep) {
				return
			}
		}
	}
}

// appendWithRetry returns false when ctx is done.
func (s *storage) appendWithRetry(ctx context.Context, m *store.Message) bool {
	var sleep time.Duration
	for {
		glog.V(5).Infof("storage: saving %s", m.Id)
		_, err := s.ms.Append(ctx, m)
		if err == nil {
			savedMessages.WithLabelValues("ok").Inc()
			s.notifier.mark()
			return true
		}
		if err == context.Canceled || ctx.Err() != nil {
			glog.V(5).Info("storage: save was cancelled")
			return false
		}
		if s.ms.IsDupKeyError(err) {
			// same id, different content: messages are immutable, drop it.
			savedMessages.WithLabelValues("conflict").Inc()
			glog.Errorf("storage: drop conflicting message %s: %v", m.Id, err)
			return true
		}
		savedMessages.WithLabelValues("error").Inc()
		glog.Errorf("storage: save message to mysql err: %v", err)
		if !sleepBackoff(ctx, &sleep) {
			return false
		}
	}
}

// sleepBackoff returns false when ctx is done before the sleep ends.
func sleepBackoff(ctx context.Context, sleep *time.Duration) bool {
	backoff(sleep)
	select {
	case <-time.After(*sleep):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}

func (s *storage) shouldDiscard(msg *kafka.Message) bool {
	return s.cleanMessages && time.Since(msg.Time) > time.Duration(s.ttlDays)*24*time.Hour
}

func (s *storage) decodeKafkaMsg(msg *kafka.Message) *store.Message {
	if len(msg.Value) > int(s.valueMaxBytes) {
		glog.Errorf("storage: kafka value out of limit, msg.Value: %s", string(msg.Value))
		return nil
	}
	v, err := decodeMsg(msg.Value)
	if err != nil {
		glog.Errorf("storage: failed to decode kafka msg value: `%s`, error: %v", msg.Value, err)
		return nil
	}

	if s.shouldDiscard(msg) {
		glog.Errorf("storage: ignore incoming message because too old, msg.Offset: %d, msg.Time: %s", msg.Offset, msg.Time)
		return nil
	}

	return v
}
