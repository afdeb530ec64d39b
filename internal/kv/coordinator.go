/*
Summary:
Coordinator is the request state machine: it consults placement and liveness
and executes the put / get / delete / replica-apply / introspection actions
for one node. It never mutates the node's listeners or goroutines — those
belong to Node — it only ever touches the store, the liveness tracker, and
the transport.
*/

package kv

import (
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"
)

func nodeKey(id int) string { return strconv.Itoa(id) }

// Coordinator implements the per-request state machine for one node.
type Coordinator struct {
	self      int
	cluster   *Cluster
	store     *Store
	liveness  *Liveness
	transport *Transport
	keyLocks  *KeyLocker
	peerAddr  func(nodeID int) string
	logger    *slog.Logger
}

// NewCoordinator wires a Coordinator to the given node's collaborators.
// peerAddr resolves a node identity to its main-listener dial address.
func NewCoordinator(self int, cluster *Cluster, store *Store, liveness *Liveness, transport *Transport, keyLocks *KeyLocker, peerAddr func(int) string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		self:      self,
		cluster:   cluster,
		store:     store,
		liveness:  liveness,
		transport: transport,
		keyLocks:  keyLocks,
		peerAddr:  peerAddr,
		logger:    logger,
	}
}

// Handle dispatches one decoded request and returns the response to send
// back on the same connection.
func (c *Coordinator) Handle(req Request) Response {
	action := req.Action.Normalized()

	if req.Action == "" {
		return Response{Status: StatusError, Message: "missing action"}
	}
	if !action.keyless() && req.Key == "" {
		return Response{Status: StatusError, Message: "missing key"}
	}

	var nodes []int
	if !action.keyless() {
		nodes = Responsible(c.cluster.Nodes, req.Key, c.cluster.ReplicationFactor)
	}

	switch action {
	case ActionPut:
		return c.primaryDriven(req, nodes, false)
	case ActionDelete:
		return c.primaryDriven(req, nodes, true)
	case ActionGet:
		return c.get(req, nodes)
	case ActionReplicaPut:
		return c.replicaPut(req)
	case ActionReplicaDelete:
		return c.replicaDelete(req)
	case ActionListKeys:
		return c.listKeys()
	case ActionGetStatus:
		return c.getStatus()
	case ActionGetAllData:
		return c.getAllData()
	default:
		return Response{Status: StatusError, Message: fmt.Sprintf("Unknown action: %s", req.Action)}
	}
}

// primaryDriven implements the shared shape of put and delete: drive the
// mutation on the primary, forward to it otherwise, and fall back to a
// temporary-primary write when the primary is unreachable. Both actions set
// Forwarded on the outgoing copy when forwarding (see DESIGN.md for why
// DELETE follows PUT's forwarding behavior exactly).
func (c *Coordinator) primaryDriven(req Request, nodes []int, isDelete bool) Response {
	primary := nodes[0]

	if primary == c.self {
		return c.mutateAsPrimary(req, nodes, isDelete)
	}

	if req.Forwarded || !c.liveness.Alive(primary, c.cluster.HeartbeatTimeout) {
		return c.fallback(req, nodes, isDelete)
	}

	fwd := req
	fwd.Forwarded = true
	resp, err := c.transport.Call(c.peerAddr(primary), fwd)
	if err != nil {
		c.logger.Warn("forward to primary failed, falling back", "primary", primary, "key", req.Key, "error", err)
		return c.fallback(req, nodes, isDelete)
	}
	return resp
}

// mutateAsPrimary performs the version-bumping write on the node that is
// primary for this key, then fans the result out to the replicas.
func (c *Coordinator) mutateAsPrimary(req Request, nodes []int, isDelete bool) Response {
	unlock := c.keyLocks.Lock(req.Key)
	defer unlock()

	existing, existed := c.store.Get(req.Key)
	newVersion := existing.Version + 1

	rec := Record{Version: newVersion, Deleted: isDelete}
	if !isDelete {
		rec.Value = req.Value
	}

	if err := c.store.PutRecord(req.Key, rec); err != nil {
		return Response{Status: StatusError, Message: err.Error()}
	}

	c.fanOutReplicas(req.Key, rec, nodes[1:])

	if isDelete {
		return Response{Status: StatusOK, Message: fmt.Sprintf("Deleted %s", req.Key)}
	}
	if existed {
		return Response{Status: StatusOK, Message: "Updated"}
	}
	return Response{Status: StatusOK, Message: "Stored"}
}

// fallback lets a non-primary node accept the write because the primary is
// unreachable, promoting itself for this one request.
func (c *Coordinator) fallback(req Request, nodes []int, isDelete bool) Response {
	unlock := c.keyLocks.Lock(req.Key)
	defer unlock()

	existing, _ := c.store.Get(req.Key)
	newVersion := existing.Version + 1

	rec := Record{Version: newVersion, Deleted: isDelete}
	if !isDelete {
		rec.Value = req.Value
	}

	if err := c.store.PutRecord(req.Key, rec); err != nil {
		return Response{Status: StatusError, Message: err.Error()}
	}

	alive := make([]int, 0, len(nodes))
	for _, n := range nodes {
		if n != c.self && c.liveness.Alive(n, c.cluster.HeartbeatTimeout) {
			alive = append(alive, n)
		}
	}
	c.fanOutReplicas(req.Key, rec, alive)

	verb := "Stored"
	if isDelete {
		verb = "Deleted"
	}
	return Response{Status: StatusOK, Message: fmt.Sprintf("[Fallback] %s %s at version %d", verb, req.Key, newVersion)}
}

// get serves locally, hiding tombstones from non-internal callers, or
// cascades to other responsible peers for one hop.
func (c *Coordinator) get(req Request, nodes []int) Response {
	if rec, ok := c.store.Get(req.Key); ok {
		if rec.Deleted && !req.Internal {
			return Response{Status: StatusNotFound}
		}
		recCopy := rec
		return Response{Status: StatusOK, Value: &recCopy}
	}

	if req.Internal {
		return Response{Status: StatusNotFound}
	}

	for _, n := range nodes {
		if n == c.self || !c.liveness.Alive(n, c.cluster.HeartbeatTimeout) {
			continue
		}
		fwd := req
		fwd.Internal = true
		resp, err := c.transport.Call(c.peerAddr(n), fwd)
		if err != nil {
			continue
		}
		if resp.Status == StatusOK {
			return resp
		}
	}
	return Response{Status: StatusNotFound}
}

// replicaPut applies a version-guarded overwrite. It never returns an
// error; stale writes are simply ignored so re-delivery is safe.
func (c *Coordinator) replicaPut(req Request) Response {
	incoming := versionOf(req)
	existing, ok := c.store.Get(req.Key)
	if !ok || incoming > existing.Version {
		if err := c.store.PutRecord(req.Key, Record{Value: req.Value, Version: incoming}); err != nil {
			c.logger.Error("replica_put persist failed", "key", req.Key, "error", err)
			return Response{Status: StatusOK, Message: "Applied (persist warning logged)"}
		}
		return Response{Status: StatusOK, Message: "Applied"}
	}
	return Response{Status: StatusOK, Message: "Stale write ignored"}
}

// replicaDelete is replicaPut's tombstone counterpart.
func (c *Coordinator) replicaDelete(req Request) Response {
	incoming := versionOf(req)
	existing, ok := c.store.Get(req.Key)
	if !ok || incoming > existing.Version {
		if err := c.store.PutRecord(req.Key, Record{Version: incoming, Deleted: true}); err != nil {
			c.logger.Error("replica_delete persist failed", "key", req.Key, "error", err)
			return Response{Status: StatusOK, Message: "Applied (persist warning logged)"}
		}
		return Response{Status: StatusOK, Message: "Applied"}
	}
	return Response{Status: StatusOK, Message: "Stale delete ignored"}
}

func versionOf(req Request) int64 {
	if req.Version == nil {
		return 0
	}
	return *req.Version
}

func (c *Coordinator) listKeys() Response {
	return Response{Status: StatusOK, Keys: c.store.Keys()}
}

func (c *Coordinator) getStatus() Response {
	data := make(map[string]any)
	for peer, status := range c.liveness.Snapshot(c.cluster.HeartbeatTimeout) {
		data[nodeKey(peer)] = status
	}
	data[nodeKey(c.self)] = "ALIVE"
	return Response{Status: StatusOK, Data: data}
}

func (c *Coordinator) getAllData() Response {
	data := make(map[string]any)
	for k, v := range c.store.All() {
		data[k] = v
	}
	return Response{Status: StatusOK, Data: data}
}

// fanOutReplicas sends the given record's corresponding replica-apply action
// to every peer in peers concurrently. A failure to reach any individual
// replica is logged and otherwise ignored.
func (c *Coordinator) fanOutReplicas(key string, rec Record, peers []int) {
	action := ActionReplicaPut
	if rec.Deleted {
		action = ActionReplicaDelete
	}

	version := rec.Version
	req := Request{Action: action, Key: key, Value: rec.Value, Version: &version}

	var g errgroup.Group
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if _, err := c.transport.Call(c.peerAddr(p), req); err != nil {
				c.logger.Warn("replica fan-out failed", "peer", p, "key", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
