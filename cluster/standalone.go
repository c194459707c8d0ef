package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
)

const (
	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 3 * time.Second

	// duration to delete a session since last kickoff
	deleteSinceKickoffTTL = 60 // seconds
)

type ClusterCfg struct {
	Addr string
	Hub  IHub
	Mux  *http.ServeMux

	// Empty KafkaBrokers: messages are appended to the store directly.
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupId string

	MessageStore           store.IMessageStore
	CleanMessages          bool
	MessageTTLDays         int32
	MessagePayloadMaxBytes int32

	SessionQuota int32
}

// Standalone is a single node server: http, websocket hub and storage.
type Standalone struct {
	ICluster
	sync.RWMutex
	sessions map[string]*pb.Session

	conf        *ClusterCfg
	httpServer  *http.Server
	storage     *storage
	kafkaWriter IKafkaWriter

	recvMsgChan chan *pb.HubMsg
	sendMsgChan chan *pb.PushMsg
}

func NewStandalone(conf *ClusterCfg) *Standalone {
	s := &Standalone{
		conf:        conf,
		httpServer:  &http.Server{Handler: conf.Mux},
		sessions:    make(map[string]*pb.Session),
		recvMsgChan: make(chan *pb.HubMsg),
		sendMsgChan: make(chan *pb.PushMsg),
	}

	var kafkaReader IKafkaReader
	if len(conf.KafkaBrokers) > 0 {
		kafkaReader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: conf.KafkaBrokers,
			GroupID: conf.KafkaGroupId,
			Topic:   conf.KafkaTopic,
			Dialer: &kafka.Dialer{
				Timeout:   kafkaReadTimeout,
				DualStack: true,
			},
		})
		s.kafkaWriter = kafka.NewWriter(kafka.WriterConfig{
			Brokers:  conf.KafkaBrokers,
			Topic:    conf.KafkaTopic,
			Balancer: &kafka.Hash{},
			Dialer: &kafka.Dialer{
				Timeout:   kafkaWriteTimeout,
				DualStack: true,
			},
		})
	}

	s.storage = newStorage(conf.MessageStore, kafkaReader, s.sendMsgChan, conf.CleanMessages,
		conf.MessageTTLDays, conf.MessagePayloadMaxBytes)
	return s
}

// SaveMsg implements `ICluster.SaveMsg`.
func (s *Standalone) SaveMsg(ctx context.Context, msg *store.Message) error {
	if s.kafkaWriter != nil {
		return writeMsg(ctx, s.kafkaWriter, msg, int(s.conf.MessagePayloadMaxBytes))
	}
	return s.storage.save(ctx, msg)
}

func (s *Standalone) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("standalone server is starting")

	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		err := fmt.Errorf("listen %s error: %v", s.conf.Addr, err)
		glog.Error(err)
		panic(err)
	}

	go func() {
		glog.Infof("http server is listening %v", s.conf.Addr)
		if err := s.httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http mux server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	// clean session ticker.
	ticker := time.NewTicker(5 * time.Minute)

	storageStopDoneC := make(chan struct{})
	hubStopDoneC := make(chan struct{})

	defer func() {
		ticker.Stop()
		s.httpServer.Shutdown(context.Background())
		glog.Infof("standalone: http server shutdown done")

		<-storageStopDoneC
		close(storageStopDoneC)
		glog.Infof("standalone: storage stopped")

		<-hubStopDoneC
		close(hubStopDoneC)
		glog.Infof("standalone: hub stopped")

		if s.kafkaWriter != nil {
			_ = s.kafkaWriter.Close()
		}
		close(s.sendMsgChan)
		glog.Infof("standalone: stopped")
		stopNotifyCh <- struct{}{}
	}()

	go s.storage.run(ctx, storageStopDoneC)
	go s.conf.Hub.Run(ctx, s.recvMsgChan, s.sendMsgChan, hubStopDoneC)
	s.conf.Hub.Online()

	glog.Infof("standalone server is blocking at recv loop")

	for {
		select {
		case <-ctx.Done():
			s.conf.Hub.Offline()
			glog.Infof("standalone server is stopping")
			return
		case <-ticker.C:
			if slice := s.cleanSession(); len(slice) > 0 {
				s.kickoff(ctx, slice)
			}
		case msg, ok := <-s.recvMsgChan:
			if !ok {
				return
			}
			if v := msg.SessionOnline; v != nil {
				s.addSession(v)
				if v := s.getUserSessionsToKickoff(v.Principal); len(v) > 0 {
					s.kickoff(ctx, v)
				}
			} else if v := msg.SessionOffline; v != "" {
				s.delSession(v)
			} else if v := msg.SyncSessions; len(v) > 0 {
				s.addSessions(v)
			} else {
				glog.Errorf("unknown hub message: %#+v", msg)
			}
		}
	}
}

func (s *Standalone) kickoff(ctx context.Context, sessions []*pb.Session) {
	var sids []string
	now := time.Now().Unix()
	s.Lock()
	for _, sess := range sessions {
		sess.KickoffTime = now
		sids = append(sids, sess.Sid)
	}
	s.Unlock()
	select {
	case s.sendMsgChan <- &pb.PushMsg{Kickoff: sids}:
	case <-ctx.Done():
	}
}

// order by ctime asc.
func (s *Standalone) getUserSessionsToKickoff(principal string) []*pb.Session {
	var slice []*pb.Session
	s.RLock()
	for _, sess := range s.sessions {
		if sess.Principal == principal && sess.KickoffTime == 0 {
			slice = append(slice, sess)
		}
	}
	s.RUnlock()

	n := len(slice) - int(s.conf.SessionQuota)
	if n <= 0 {
		return nil
	}

	sort.Slice(slice, func(i, j int) bool {
		return slice[i].CreateTime < slice[j].CreateTime
	})

	return slice[:n]
}

// cleanSession deletes sessions kicked off long ago and returns the live
// sessions exceeding the quota.
func (s *Standalone) cleanSession() []*pb.Session {
	now := time.Now().Unix()
	s.Lock()
	defer s.Unlock()

	var sidsToDelete []string
	userSessions := make(map[string][]*pb.Session)

	for _, sess := range s.sessions {
		if sess.KickoffTime > 0 && now > sess.KickoffTime+deleteSinceKickoffTTL {
			sidsToDelete = append(sidsToDelete, sess.Sid)
		}
	}

	for _, sid := range sidsToDelete {
		delete(s.sessions, sid)
	}

	for _, sess := range s.sessions {
		if sess.KickoffTime > 0 {
			continue
		}
		userSessions[sess.Principal] = append(userSessions[sess.Principal], sess)
	}

	var kickoff []*pb.Session

	for _, slice := range userSessions {
		n := len(slice) - int(s.conf.SessionQuota)
		if n <= 0 {
			continue
		}

		sort.Slice(slice, func(i, j int) bool {
			return slice[i].CreateTime < slice[j].CreateTime
		})

		kickoff = append(kickoff, slice[:n]...)
	}
	return kickoff
}

func (s *Standalone) addSession(sess *pb.Session) {
	cp := *sess
	s.Lock()
	s.sessions[sess.Sid] = &cp
	s.Unlock()
}

func (s *Standalone) addSessions(slice []*pb.Session) {
	s.Lock()
	for _, sess := range slice {
		s.sessions[sess.Sid] = sess
	}
	s.Unlock()
}

func (s *Standalone) delSession(sid string) {
	s.Lock()
	delete(s.sessions, sid)
	s.Unlock()
}
