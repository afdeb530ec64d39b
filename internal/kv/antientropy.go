/*
Summary:
RunAntiEntropy is the on-start reconciliation pass: pull every alive peer's
key list, restrict to keys this node is responsible for, and for each one
pull the record from every other responsible alive peer, keeping whichever
copy is newest under the (version, deleted) ordering.
*/

package kv

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RunAntiEntropy runs one full reconciliation pass. It never schedules a
// follow-up pass itself; the design relies on anti-entropy running once per
// node start.
func (n *Node) RunAntiEntropy(ctx context.Context) {
	candidates := make(map[string]struct{})
	for _, k := range n.store.Keys() {
		candidates[k] = struct{}{}
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, peer := range n.cluster.Nodes {
		if peer == n.ID || !n.liveness.Alive(peer, n.cluster.HeartbeatTimeout) {
			continue
		}
		peer := peer
		g.Go(func() error {
			resp, err := n.transport.Call(n.peerAddr(peer), Request{Action: ActionListKeys})
			if err != nil || resp.Status != StatusOK {
				return nil // peers that fail are skipped silently
			}
			mu.Lock()
			for _, k := range resp.Keys {
				candidates[k] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	keys := make([]string, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		n.reconcileKey(key)
	}
}

func (n *Node) reconcileKey(key string) {
	nodes := Responsible(n.cluster.Nodes, key, n.cluster.ReplicationFactor)
	if !containsNode(nodes, n.ID) {
		return
	}

	local, _ := n.store.Get(key) // absent is the zero value: {version:0, deleted:false}

	for _, peer := range nodes {
		if peer == n.ID || !n.liveness.Alive(peer, n.cluster.HeartbeatTimeout) {
			continue
		}
		resp, err := n.transport.Call(n.peerAddr(peer), Request{Action: ActionGet, Key: key, Internal: true})
		if err != nil || resp.Status != StatusOK || resp.Value == nil {
			continue
		}
		remote := *resp.Value
		if local.precedes(remote) {
			if err := n.store.PutRecord(key, remote); err != nil {
				n.logger.Error("anti-entropy persist failed", "key", key, "error", err)
				continue
			}
			local = remote
		}
	}
}
