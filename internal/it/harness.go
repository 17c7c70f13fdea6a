package it

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	gjson "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"

	"murmur/internal/config"
	"murmur/internal/gossip"
)

// Cluster represents a test cluster of murmur processes
type Cluster struct {
	nodes      []*Node
	dir        string
	binaryPath string
	basePort   int
	mu         sync.Mutex
}

// Node represents a single member process in the test cluster
type Node struct {
	ID       string
	SwimAddr string
	HTTPAddr string
	GRPCAddr string
	cfgPath  string
	cmd      *exec.Cmd
	logFile  *os.File
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
}

// NewCluster creates a new test cluster harness. Configs and logs go to dir.
func NewCluster(binaryPath, dir string, basePort int) (*Cluster, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create cluster directory")
	}
	return &Cluster{
		dir:        dir,
		binaryPath: binaryPath,
		basePort:   basePort,
	}, nil
}

// StartNode writes a configuration for memberID and starts it, seeded with
// the swim addresses of the members already running.
func (c *Cluster) StartNode(ctx context.Context, memberID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	port := c.basePort + 4*len(c.nodes)
	cfg := config.Default()
	cfg.MemberID = memberID
	cfg.ListenSwim = fmt.Sprintf("127.0.0.1:%d", port)
	cfg.ListenGossip = fmt.Sprintf("127.0.0.1:%d", port+1)
	cfg.ListenGRPC = fmt.Sprintf("127.0.0.1:%d", port+2)
	cfg.ListenHTTP = fmt.Sprintf("127.0.0.1:%d", port+3)
	cfg.ProbeInterval = 200 * time.Millisecond
	cfg.ProbeTimeout = 80 * time.Millisecond
	cfg.PushPullTicks = 5
	for _, n := range c.nodes {
		cfg.Peers = append(cfg.Peers, n.SwimAddr)
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	cfgPath := filepath.Join(c.dir, memberID+".yaml")
	if err := os.WriteFile(cfgPath, data, 0644); err != nil {
		return errors.Wrap(err, "write config")
	}

	node := &Node{
		ID:       memberID,
		SwimAddr: cfg.ListenSwim,
		HTTPAddr: cfg.ListenHTTP,
		GRPCAddr: cfg.ListenGRPC,
		cfgPath:  cfgPath,
	}
	if err := c.launch(ctx, node); err != nil {
		return err
	}
	c.nodes = append(c.nodes, node)
	return nil
}

func (c *Cluster) launch(ctx context.Context, node *Node) error {
	logFile, err := os.Create(filepath.Join(c.dir, node.ID+".log"))
	if err != nil {
		return errors.Wrap(err, "create log file")
	}
	cmd := exec.CommandContext(ctx, c.binaryPath, "--config", node.cfgPath, "--log-level", "debug")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return errors.Wrapf(err, "start member %s", node.ID)
	}
	node.cmd = cmd
	node.logFile = logFile

	conn, err := grpc.NewClient(node.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		node.Stop()
		return errors.Wrapf(err, "dial member %s", node.ID)
	}
	node.conn = conn
	node.health = healthpb.NewHealthClient(conn)

	if err := node.waitForReady(ctx, 10*time.Second); err != nil {
		node.Stop()
		return errors.Wrapf(err, "member %s failed to become ready", node.ID)
	}
	return nil
}

// waitForReady polls the grpc health service until the member reports serving
func (n *Node) waitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return errors.Errorf("timeout waiting for member %s to be ready", n.ID)
			}
			checkCtx, cancel := context.WithTimeout(ctx, time.Second)
			resp, err := n.health.Check(checkCtx, &healthpb.HealthCheckRequest{})
			cancel()
			if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
				return nil
			}
		}
	}
}

// Butterfly fetches the member's full snapshot from its HTTP gateway.
func (n *Node) Butterfly(ctx context.Context) (*gossip.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+n.HTTPAddr+"/butterfly", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "butterfly %s", n.ID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("butterfly %s: status %d", n.ID, resp.StatusCode)
	}
	var body struct {
		Data gossip.Snapshot `json:"data"`
	}
	if err := gjson.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrapf(err, "decode butterfly %s", n.ID)
	}
	return &body.Data, nil
}

// Stop kills the member process without a departure announcement.
func (n *Node) Stop() {
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	if n.cmd != nil && n.cmd.Process != nil {
		n.cmd.Process.Kill()
		n.cmd.Wait()
		n.cmd = nil
	}
	if n.logFile != nil {
		n.logFile.Close()
		n.logFile = nil
	}
}

// Terminate asks the member to leave gracefully and waits for it to exit.
func (n *Node) Terminate() error {
	if n.cmd == nil || n.cmd.Process == nil {
		return nil
	}
	if err := n.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrapf(err, "signal member %s", n.ID)
	}
	err := n.cmd.Wait()
	n.cmd = nil
	n.Stop()
	return err
}

// Stop stops all members in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, node := range c.nodes {
		node.Stop()
	}
	c.nodes = nil
}

// StartCluster starts size members one after the other, each seeded with
// the ones before it.
func (c *Cluster) StartCluster(ctx context.Context, size int) error {
	if _, err := os.Stat(c.binaryPath); os.IsNotExist(err) {
		return errors.Errorf("binary not found at %s, build it first with 'go build -o murmur ./cmd/murmur'", c.binaryPath)
	}
	for i := 1; i <= size; i++ {
		if err := c.StartNode(ctx, fmt.Sprintf("n%d", i)); err != nil {
			c.Stop()
			return err
		}
	}
	return nil
}

// GetNode returns a member by id
func (c *Cluster) GetNode(memberID string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		if n.ID == memberID {
			return n
		}
	}
	return nil
}

// KillNode kills a specific member
func (c *Cluster) KillNode(memberID string) error {
	n := c.GetNode(memberID)
	if n == nil {
		return errors.Errorf("member %s not found", memberID)
	}
	n.Stop()
	return nil
}
