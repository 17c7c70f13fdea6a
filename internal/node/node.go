package node

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"murmur/internal/config"
	"murmur/internal/election"
	"murmur/internal/gateway"
	"murmur/internal/gossip"
	"murmur/internal/member"
	"murmur/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Node runs one member: the gossip server on its UDP ports, the grpc status
// server and the HTTP gateway.
type Node struct {
	cfg    config.Config
	udp    *transport.UDP
	server *gossip.Server
	sink   *metrics.InmemSink
	log    *log.Entry

	grpcServer *grpc.Server
	health     *health.Server
	grpcLis    net.Listener
	httpServer *http.Server
	httpLis    net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New binds the swim and gossip ports and builds the gossip server. sink may
// be nil, in which case the gateway has no /metrics route.
func New(cfg config.Config, sink *metrics.InmemSink) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	udp, err := transport.ListenUDP(cfg.ListenSwim, cfg.ListenGossip)
	if err != nil {
		return nil, err
	}

	self := member.Member{
		ID:         cfg.MemberID,
		Address:    cfg.Advertise(),
		SwimPort:   udp.SwimAddr().(*net.UDPAddr).Port,
		GossipPort: udp.GossipAddr().(*net.UDPAddr).Port,
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:    cfg,
		udp:    udp,
		server: gossip.NewServer(cfg, self, udp, suitability(cfg.Services)),
		sink:   sink,
		log:    log.WithFields(log.Fields{"package": "node", "member": cfg.MemberID}),
		health: health.NewServer(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// suitability scores the local member with the configured value per group.
func suitability(services []config.ServiceConfig) election.Suitability {
	scores := make(map[string]uint64, len(services))
	for _, s := range services {
		scores[s.Group] = s.Suitability
	}
	return election.SuitabilityFunc(func(group string) uint64 {
		return scores[group]
	})
}

// Server returns the gossip server.
func (n *Node) Server() *gossip.Server {
	return n.server
}

// GRPCAddr returns the address the grpc status server listens on, or nil.
func (n *Node) GRPCAddr() net.Addr {
	if n.grpcLis == nil {
		return nil
	}
	return n.grpcLis.Addr()
}

// HTTPAddr returns the address the gateway listens on, or nil.
func (n *Node) HTTPAddr() net.Addr {
	if n.httpLis == nil {
		return nil
	}
	return n.httpLis.Addr()
}

// Start starts the gossip server, publishes the configured services, serves
// grpc and HTTP, and joins the configured peers in the background.
func (n *Node) Start() error {
	if err := n.server.Start(); err != nil {
		return err
	}
	if err := n.publishServices(); err != nil {
		n.server.Stop()
		return err
	}

	if n.cfg.ListenGRPC != "" {
		lis, err := net.Listen("tcp", n.cfg.ListenGRPC)
		if err != nil {
			n.server.Stop()
			return errors.Wrapf(err, "listen grpc %s", n.cfg.ListenGRPC)
		}
		n.grpcLis = lis
		n.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(n.grpcServer, n.health)
		// Enable gRPC reflection for grpcurl
		reflection.Register(n.grpcServer)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.grpcServer.Serve(lis); err != nil {
				n.log.WithError(err).Error("grpc server stopped")
			}
		}()
		n.log.WithField("addr", lis.Addr().String()).Info("grpc status server listening")
	}

	if n.cfg.ListenHTTP != "" {
		lis, err := net.Listen("tcp", n.cfg.ListenHTTP)
		if err != nil {
			n.Stop()
			return errors.Wrapf(err, "listen http %s", n.cfg.ListenHTTP)
		}
		n.httpLis = lis
		n.httpServer = &http.Server{
			Handler: gateway.New(n.server, gateway.Options{
				AuthToken: n.cfg.GatewayAuthToken,
				Redact:    n.cfg.RedactHTTP,
				Metrics:   n.sink,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
				n.log.WithError(err).Error("http gateway stopped")
			}
		}()
		n.log.WithField("addr", lis.Addr().String()).Info("http gateway listening")
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.mirrorHealth()
		ticker := time.NewTicker(n.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				n.mirrorHealth()
			}
		}
	}()

	if len(n.cfg.Peers) > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if _, err := n.server.Join(n.ctx, n.cfg.Peers); err != nil {
				n.log.WithError(err).WithField("peers", n.cfg.Peers).Warn("could not join any peer")
			}
		}()
	}
	return nil
}

func (n *Node) publishServices() error {
	for _, svc := range n.cfg.Services {
		var cfg []byte
		if svc.ConfigFile != "" {
			body, err := os.ReadFile(svc.ConfigFile)
			if err != nil {
				return errors.Wrapf(err, "read config file of %s", svc.Group)
			}
			cfg = body
			n.server.PublishServiceFile(svc.Group, filepath.Base(svc.ConfigFile), body)
		}
		n.server.PublishService(gossip.ServiceInfo{
			Group:     svc.Group,
			Pkg:       svc.Pkg,
			Port:      svc.Port,
			Cfg:       cfg,
			Candidate: svc.Leader,
		})
		n.log.WithFields(log.Fields{"group": svc.Group, "leader": svc.Leader}).Info("published service")
	}
	return nil
}

// mirrorHealth copies the health projection into the grpc health server.
// The empty service name reports the member itself.
func (n *Node) mirrorHealth() {
	snap := n.server.Snapshot()
	overall := healthpb.HealthCheckResponse_SERVING
	if snap.Departed {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	n.health.SetServingStatus("", overall)
	for _, group := range snap.Groups() {
		v := snap.Services[group]
		if !v.HasHealth {
			continue
		}
		n.health.SetServingStatus(group, servingStatus(v.Health))
	}
}

func servingStatus(h gossip.HealthResult) healthpb.HealthCheckResponse_ServingStatus {
	switch h {
	case gossip.HealthOk, gossip.HealthWarning:
		return healthpb.HealthCheckResponse_SERVING
	case gossip.HealthCritical:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

// Stop announces the departure, then stops the servers. It is safe to call
// more than once.
func (n *Node) Stop() {
	n.once.Do(func() {
		n.log.Info("stopping")
		if err := n.server.Stop(); err != nil {
			n.log.WithError(err).Warn("stop gossip server")
		}
		n.cancel()
		n.health.Shutdown()
		if n.grpcServer != nil {
			n.grpcServer.GracefulStop()
		}
		if n.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := n.httpServer.Shutdown(ctx); err != nil {
				n.log.WithError(err).Warn("shutdown http gateway")
			}
			cancel()
		}
		n.wg.Wait()
	})
}
