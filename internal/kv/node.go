/*
Summary:
Node wires together the store, liveness tracker, transport, and coordinator
for one peer process and runs its lifecycle: the main listener, the
heartbeat listener, the heartbeat emitter, the liveness monitor, and the
on-start anti-entropy pass. This is the process-wide singleton wiring point,
constructed once in main and passed by reference everywhere it's needed,
rather than package-level globals.
*/

package kv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const heartbeatPortOffset = 1000

// Node owns one peer's collaborators and listeners.
type Node struct {
	ID      int
	cluster *Cluster

	store       *Store
	liveness    *Liveness
	transport   *Transport
	keyLocks    *KeyLocker
	coordinator *Coordinator

	logger    *slog.Logger
	startedAt time.Time

	hbWarnMu   sync.Mutex
	hbLastWarn map[int]time.Time
}

// NewNode constructs a Node for id within cluster, persisting its snapshot
// under dataDir. id must be a member of cluster.Nodes.
func NewNode(id int, cluster *Cluster, dataDir string, logger *slog.Logger) (*Node, error) {
	if !containsNode(cluster.Nodes, id) {
		return nil, errors.Errorf("node id %d is not a member of the configured cluster %v", id, cluster.Nodes)
	}

	nodeLogger := logger.With("node_id", id)

	storePath := filepath.Join(dataDir, fmt.Sprintf("%d.json", id))
	store, err := NewStore(storePath, nodeLogger)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	n := &Node{
		ID:         id,
		cluster:    cluster,
		store:      store,
		liveness:   NewLiveness(),
		transport:  NewTransport(),
		keyLocks:   NewKeyLocker(),
		logger:     nodeLogger,
		hbLastWarn: make(map[int]time.Time),
	}
	n.coordinator = NewCoordinator(id, cluster, store, n.liveness, n.transport, n.keyLocks, n.peerAddr, nodeLogger)
	return n, nil
}

// Store exposes the node's local store (used by tests and operator tooling).
func (n *Node) Store() *Store { return n.store }

// Liveness exposes the node's liveness tracker.
func (n *Node) Liveness() *Liveness { return n.liveness }

// Coordinator exposes the node's request handler.
func (n *Node) Coordinator() *Coordinator { return n.coordinator }

func (n *Node) mainAddr() string {
	return fmt.Sprintf("%s:%d", n.cluster.Host, n.ID)
}

func (n *Node) heartbeatAddr() string {
	return fmt.Sprintf("%s:%d", n.cluster.Host, n.ID+heartbeatPortOffset)
}

func (n *Node) peerAddr(id int) string {
	return fmt.Sprintf("%s:%d", n.cluster.Host, id)
}

func (n *Node) peerHeartbeatAddr(id int) string {
	return fmt.Sprintf("%s:%d", n.cluster.Host, id+heartbeatPortOffset)
}

// ready reports whether the node's 2s warm-up has elapsed; used to suppress
// noisy heartbeat error logs immediately after start.
func (n *Node) ready() bool {
	return !n.startedAt.IsZero() && time.Since(n.startedAt) >= 2*time.Second
}

// Run binds both listeners and blocks, running every background task, until
// ctx is cancelled. It returns after every goroutine it started has
// returned.
func (n *Node) Run(ctx context.Context) error {
	mainLn, err := net.Listen("tcp", n.mainAddr())
	if err != nil {
		return errors.Wrapf(err, "bind main listener on %s", n.mainAddr())
	}
	hbLn, err := net.Listen("tcp", n.heartbeatAddr())
	if err != nil {
		mainLn.Close()
		return errors.Wrapf(err, "bind heartbeat listener on %s", n.heartbeatAddr())
	}

	n.startedAt = time.Now()
	n.logger.Info("node started", "main_addr", n.mainAddr(), "heartbeat_addr", n.heartbeatAddr(), "peers", n.cluster.Nodes)

	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); n.serveRequests(ctx, mainLn) }()
	go func() { defer wg.Done(); n.serveHeartbeats(ctx, hbLn) }()
	go func() { defer wg.Done(); n.heartbeatEmitter(ctx) }()
	go func() { defer wg.Done(); n.livenessMonitor(ctx) }()
	go func() { defer wg.Done(); n.runAntiEntropyAfterWarmup(ctx) }()

	<-ctx.Done()
	mainLn.Close()
	hbLn.Close()
	wg.Wait()
	n.logger.Info("node stopped")
	return nil
}

// serveRequests is the main listener's accept loop: one goroutine per
// connection, each looping over framed requests until EOF or reset.
func (n *Node) serveRequests(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				n.logger.Warn("main listener accept failed", "error", err)
				return
			}
		}
		go n.handleRequestConn(conn)
	}
}

func (n *Node) handleRequestConn(conn net.Conn) {
	defer conn.Close()
	connID := uuid.NewString()
	connLogger := n.logger.With("conn_id", connID)
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return // EOF or reset: terminate this connection's loop cleanly
		}
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			resp = Response{Status: StatusError, Message: fmt.Sprintf("Error: %v", err)}
		} else {
			resp = n.safeHandle(connLogger, req)
		}

		out, err := json.Marshal(resp)
		if err != nil {
			connLogger.Error("encode response failed", "error", err)
			return
		}
		out = append(out, '\n')
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// safeHandle converts a coordinator panic into an ERROR response so one bad
// request can never take down a connection's loop. The connection's id is
// logged alongside the panic so a single misbehaving client can be traced
// back through the rest of that connection's log lines.
func (n *Node) safeHandle(connLogger *slog.Logger, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			connLogger.Error("coordinator panic", "panic", r)
			resp = Response{Status: StatusError, Message: fmt.Sprintf("Error: %v", r)}
		}
	}()
	return n.coordinator.Handle(req)
}

// serveHeartbeats is the auxiliary listener's accept loop: exactly one
// message is read per connection before it closes.
func (n *Node) serveHeartbeats(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				n.logger.Warn("heartbeat listener accept failed", "error", err)
				return
			}
		}
		go n.handleHeartbeatConn(conn)
	}
}

func (n *Node) handleHeartbeatConn(conn net.Conn) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	var msg Request
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}
	if msg.Action.Normalized() == ActionHeartbeat {
		n.liveness.Mark(msg.From)
	}

	resp, _ := json.Marshal(Response{Status: StatusOK})
	resp = append(resp, '\n')
	conn.Write(resp)
}

// heartbeatEmitter sends one heartbeat message to every other peer's
// auxiliary address each interval. Send failures are swallowed; a
// rate-limited diagnostic is logged at most once per peer per 5s, and only
// while the peer is still believed alive (so dead peers don't spam logs).
func (n *Node) heartbeatEmitter(ctx context.Context) {
	t := time.NewTicker(n.cluster.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, peer := range n.cluster.Nodes {
				if peer == n.ID {
					continue
				}
				_, err := n.transport.Call(n.peerHeartbeatAddr(peer), Request{Action: ActionHeartbeat, From: n.ID})
				if err != nil {
					n.maybeWarnHeartbeat(peer, err)
				}
			}
		}
	}
}

func (n *Node) maybeWarnHeartbeat(peer int, err error) {
	if !n.ready() || !n.liveness.Alive(peer, n.cluster.HeartbeatTimeout) {
		return
	}
	n.hbWarnMu.Lock()
	defer n.hbWarnMu.Unlock()
	if last, ok := n.hbLastWarn[peer]; ok && time.Since(last) < 5*time.Second {
		return
	}
	n.hbLastWarn[peer] = time.Now()
	n.logger.Warn("heartbeat send failed", "peer", peer, "error", err)
}

// livenessMonitor samples the liveness snapshot each interval and logs a
// transition when a peer's computed status changes.
func (n *Node) livenessMonitor(ctx context.Context) {
	t := time.NewTicker(n.cluster.HeartbeatInterval)
	defer t.Stop()
	prev := make(map[int]string)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for peer, status := range n.liveness.Snapshot(n.cluster.HeartbeatTimeout) {
				if prev[peer] != status {
					n.logger.Info("peer status changed", "peer", peer, "status", status)
					prev[peer] = status
				}
			}
		}
	}
}

// runAntiEntropyAfterWarmup waits ~3s for peers to notice this node, then
// runs the anti-entropy pass exactly once.
func (n *Node) runAntiEntropyAfterWarmup(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(3 * time.Second):
	}
	n.logger.Info("running anti-entropy sync")
	n.RunAntiEntropy(ctx)
	n.logger.Info("anti-entropy sync complete")
}
