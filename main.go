package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/blob"
	"github.com/mqy/minichat/cluster"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const (
	kafkaGroupId           = "minichat"
	kafkaTopic             = "minichat-messages"
	messagePayloadMaxBytes = 8192

	minTTLDays       = 7
	maxTTLDays       = 3650
	maxSnapshotLimit = 10000
	minSecretLen     = 16

	envJWTSecret     = "MINICHAT_JWT_SECRET"
	envMysqlDsn      = "MINICHAT_MYSQL_DSN"
	envCloudinaryURL = "CLOUDINARY_URL"
)

var (
	flagAddr         = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPublicURL    = flag.String("public-url", "http://127.0.0.1:8000", "url clients reach this server at, used for blob urls")
	flagPidFile      = flag.String("pid-file", "minichat.pid", "pid file")
	flagEnvFile      = flag.String("env-file", ".env", "optional dotenv file holding secrets")
	flagMysqlDsn     = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn, overridden by $"+envMysqlDsn)
	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers, empty to append messages directly")
	flagSessionQuota = flag.Uint("session-quota", 5, "per user websocket session quota, allowed value in [1, 10]")

	flagScopedFeed     = flag.Bool("scoped-feed", true, "snapshots only carry the subscribed conversation")
	flagSnapshotLimit  = flag.Uint("snapshot-limit", 0, "max messages per snapshot, 0 for no limit")
	flagMessageTTLDays = flag.Uint("message-ttl-days", 365, "message TTL in days")
	flagCleanMessages  = flag.Bool("clean-messages", false, "periodically delete messages older than --message-ttl-days")
	flagAuth           = flag.String("auth", "jwt", "auth mode: jwt or mock (development only, trusts the x-principal cookie)")
	flagBlob           = flag.String("blob", "bolt", "avatar blob backend: bolt or cloudinary ($"+envCloudinaryURL+")")
	flagBlobDb         = flag.String("blob-db", "blobs.db", "bolt blob backend database file")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
	flagTokenTTL       = flag.Duration("token-ttl", auth.DefaultTokenTTL, "jwt token ttl")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	loadEnv(*flagEnvFile)

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	dsn := *flagMysqlDsn
	if v := os.Getenv(envMysqlDsn); v != "" {
		dsn = v
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return errorf("sql.Open error: %v", err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(1)

	glog.Info("minichat server is starting")

	messageStore := store.NewMessageStore(db)
	userStore := store.NewUserStore(db)

	authClient, identity, err := newAuth(userStore)
	if err != nil {
		return errorf("--auth: %v", err)
	}

	blobs, blobsDir, closeBlobs, err := newBlobStore()
	if err != nil {
		return errorf("--blob: %v", err)
	}
	defer closeBlobs()

	hub := ws.NewHub(authClient, messageStore, &pb.WsConf{
		ScopedFeed:    *flagScopedFeed,
		SnapshotLimit: int32(*flagSnapshotLimit),
		MaxMsgSize:    messagePayloadMaxBytes,
	})

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)

	var brokers []string
	if *flagKafkaBrokers != "" {
		brokers = strings.Split(*flagKafkaBrokers, ",")
	}

	cc := &cluster.ClusterCfg{
		Addr:         *flagAddr,
		Hub:          hub,
		Mux:          mux,
		MessageStore: messageStore,

		KafkaBrokers: brokers,
		KafkaTopic:   kafkaTopic,
		KafkaGroupId: kafkaGroupId,

		MessagePayloadMaxBytes: messagePayloadMaxBytes,
		SessionQuota:           int32(*flagSessionQuota),

		CleanMessages:  *flagCleanMessages,
		MessageTTLDays: int32(*flagMessageTTLDays),
	}

	clusterImpl := cluster.NewStandalone(cc)

	api.New(&api.Config{
		Auth:     authClient,
		Identity: identity,
		Users:    userStore,
		Blobs:    blobs,
		BlobsDir: blobsDir,
		Saver:    clusterImpl,
		Messages: messageStore,
	}).Register(mux)

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go clusterImpl.Run(ctx, stopNotifyChan)

	glog.Infof("`CTRL+c` or `kill %d` to graceful stop", pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigCh {
		if stopping {
			glog.Infof("minichat server is already in stop")
			continue
		}
		stopping = true
		glog.Infof("received signal `%s` stopping", sig.String())
		go func() {
			cancel()
			<-stopNotifyChan
			close(stopNotifyChan)
			_ = db.Close()
			signal.Stop(sigCh)
			close(sigCh)
		}()
	}

	glog.Info("minichat server exited")
	return 0
}

// loadEnv loads the dotenv file if present. Variables already set win.
func loadEnv(name string) {
	if name == "" {
		return
	}
	if err := godotenv.Load(name); err != nil {
		if os.IsNotExist(err) {
			glog.V(5).Infof("env file %s not found", name)
			return
		}
		glog.Warningf("load env file %s: %v", name, err)
		return
	}
	glog.Infof("loaded env file %s", name)
}

func newAuth(users store.IUserStore) (auth.Client, api.Identity, error) {
	switch *flagAuth {
	case "mock":
		glog.Warning("auth: mock mode, the x-principal cookie is trusted")
		return &auth.MockClient{}, nil, nil
	case "jwt":
		secret := os.Getenv(envJWTSecret)
		if len(secret) < minSecretLen {
			return nil, nil, fmt.Errorf("$%s must hold at least %d chars", envJWTSecret, minSecretLen)
		}
		tokens := auth.NewJWTClient(secret, *flagTokenTTL)
		return tokens, auth.NewProvider(users, tokens), nil
	default:
		return nil, nil, fmt.Errorf("unknown auth mode `%s`", *flagAuth)
	}
}

// newBlobStore returns the store, the locally served reader (nil for remote
// backends) and a close func.
func newBlobStore() (blob.Store, api.BlobReader, func(), error) {
	switch *flagBlob {
	case "bolt":
		s, err := blob.NewBoltStore(*flagBlobDb, strings.TrimRight(*flagPublicURL, "/")+"/blobs")
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { _ = s.Close() }, nil
	case "cloudinary":
		s, err := blob.NewCloudinaryStore(os.Getenv(envCloudinaryURL))
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown blob backend `%s`", *flagBlob)
	}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}

	if *flagCleanMessages {
		if *flagMessageTTLDays < minTTLDays || *flagMessageTTLDays > maxTTLDays {
			return errorf("invalid --message-ttl-days, expect in range [%d, %d]", minTTLDays, maxTTLDays)
		}
	}

	if *flagSnapshotLimit > maxSnapshotLimit {
		return errorf("invalid --snapshot-limit, expect in range [0, %d]", maxSnapshotLimit)
	}

	if *flagMysqlDsn == "" && os.Getenv(envMysqlDsn) == "" {
		return errorf("--mysql-dsn is required.")
	}

	if *flagSessionQuota == 0 {
		return errorf("--session-quota is required positive integer")
	} else if *flagSessionQuota > 10 {
		return errorf("--session-quota MUST in range [1, 10]")
	}

	if *flagBlob == "bolt" && *flagBlobDb == "" {
		return errorf("--blob-db is required.")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
