// Command murmur runs one gossip member: SWIM failure detection, rumor
// dissemination and per service group leader election, with a grpc health
// server and a read-only HTTP gateway.
//
//	murmur --config /etc/murmur.yaml
//	MURMUR_PEERS=10.0.0.1:9638 murmur --member-id web-2
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/armon/go-metrics"
	log "github.com/sirupsen/logrus"

	"murmur/internal/config"
	"murmur/internal/node"
)

func main() {
	var (
		configPath = flag.String("config", "", "yaml configuration file")
		memberID   = flag.String("member-id", "", "member id (default: configured or a random uuid)")
		peers      = flag.String("peers", "", "comma-separated seed swim addresses host:port")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		logJSON    = flag.Bool("log-json", false, "log in JSON")
	)
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)
	if *logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			log.WithError(err).Fatal("load configuration")
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.WithError(err).Fatal("read environment")
	}
	if *memberID != "" {
		cfg.MemberID = *memberID
	}
	if *peers != "" {
		if cfg.Peers, err = config.ParsePeers(*peers); err != nil {
			log.WithError(err).Fatal("parse --peers")
		}
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	signalSink := metrics.DefaultInmemSignal(sink)
	defer signalSink.Stop()
	mcfg := metrics.DefaultConfig("murmur")
	mcfg.EnableHostname = false
	if _, err := metrics.NewGlobal(mcfg, sink); err != nil {
		log.WithError(err).Fatal("init metrics")
	}

	n, err := node.New(cfg, sink)
	if err != nil {
		log.WithError(err).Fatal("create member")
	}
	if err := n.Start(); err != nil {
		log.WithError(err).Fatal("start member")
	}
	log.WithFields(log.Fields{
		"member": cfg.MemberID,
		"swim":   cfg.ListenSwim,
		"gossip": cfg.ListenGossip,
		"peers":  len(cfg.Peers),
	}).Info("member running")

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.WithField("signal", sig.String()).Info("shutting down")
	n.Stop()
}
