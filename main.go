package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/bus"
	"chatrelay/firehose"
	"chatrelay/relay"
	"chatrelay/store"
)

const (
	recordMaxBytes = 65536 + 4096
)

var (
	flagAddr     = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagDB       = flag.String("db", "bolt", "storage backend: mysql or bolt")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/chatrelay?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagBoltPath = flag.String("bolt-path", "chatrelay.db", "bolt database file")
	flagChannels = flag.String("channels", "general", "comma separated channel ids provisioned at startup")

	flagSendLimit = flag.Int("send-limit", 4096, "max message content size in bytes")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers for the event firehose, empty to disable")
	flagKafkaTopic   = flag.String("kafka-topic", "chatrelay-events", "kafka topic for the event firehose")

	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	st, err := openStore()
	if err != nil {
		return errorf("open store: %v", err)
	}

	glog.Info("chatrelay server is starting")

	eventBus := bus.New()
	api := relay.NewApi(st, eventBus, &relay.Conf{SendLimit: *flagSendLimit})
	hub := relay.NewHub(api, eventBus)

	{ // provision channels so sends have a valid reference from the start.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, id := range strings.Split(*flagChannels, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, err := st.EnsureChannel(ctx, id, id); err != nil {
				cancel()
				return errorf("ensure channel `%s`: %v", id, err)
			}
			glog.Infof("channel ready: %s", id)
		}
		cancel()
	}

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)

	lis, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		return errorf("listen %s error: %v", *flagAddr, err)
	}

	httpServer := &http.Server{Handler: mux}
	go func() {
		glog.Infof("http server is listening %v", *flagAddr)
		if err := httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			glog.Errorf("error serve http mux server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubStopDoneC := make(chan struct{})
	go hub.Run(ctx, hubStopDoneC)

	var fhStopDoneC chan struct{}
	if *flagKafkaBrokers != "" {
		brokers := strings.Split(*flagKafkaBrokers, ",")
		fh := firehose.New(eventBus, firehose.NewWriter(brokers, *flagKafkaTopic), recordMaxBytes)
		fhStopDoneC = make(chan struct{})
		go fh.Run(ctx, fhStopDoneC)
	}

	glog.Infof("chatrelay server is serving, `CTRL+c` or `kill %d` to graceful stop", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	glog.Infof("received signal `%s`, stopping", sig.String())
	signal.Stop(sigCh)

	cancel()

	if err := httpServer.Shutdown(context.Background()); err != nil {
		glog.Errorf("http server shutdown err: %v", err)
	}
	<-hubStopDoneC
	if fhStopDoneC != nil {
		<-fhStopDoneC
	}
	if err := st.Close(); err != nil {
		glog.Errorf("close store err: %v", err)
	}

	glog.Info("chatrelay server exited")
	return 0
}

func openStore() (store.Store, error) {
	switch *flagDB {
	case "mysql":
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)
		return store.NewMySQL(db), nil
	case "bolt":
		return store.OpenBolt(*flagBoltPath)
	default:
		return nil, fmt.Errorf("unknown --db `%s`, expect mysql or bolt", *flagDB)
	}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}

	switch *flagDB {
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	default:
		return errorf("--db MUST be mysql or bolt")
	}

	if strings.TrimSpace(*flagChannels) == "" {
		return errorf("--channels is required")
	}

	if *flagSendLimit < relay.MinSendLimit || *flagSendLimit > relay.MaxSendLimit {
		return errorf("invalid --send-limit, expect in range [%d, %d]", relay.MinSendLimit, relay.MaxSendLimit)
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required with --kafka-brokers")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	if ip := net.ParseIP(ips); ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	return nil
}

func errorf(format string, args ...interface{}) int {
	glog.Errorf(format, args...)
	return 1
}
