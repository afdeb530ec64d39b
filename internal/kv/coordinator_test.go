package kv

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// jsonStr encodes s as a JSON string literal, the wire shape Value fields
// expect (json.RawMessage holds literal JSON text, not arbitrary bytes).
func jsonStr(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return b
}

// singleNodeCoordinator builds a Coordinator that is always primary for
// every key (one-node, replication-factor-1 cluster), so these tests never
// need a real network connection.
func singleNodeCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cluster := &Cluster{
		Host:              "127.0.0.1",
		ReplicationFactor: 1,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  time.Second,
		Nodes:             []int{1},
	}
	store, err := NewStore(filepath.Join(t.TempDir(), "1.json"), discardLogger())
	require.NoError(t, err)
	liveness := NewLiveness()
	transport := NewTransport()
	peerAddr := func(id int) string {
		t.Fatalf("unexpected peer call to %d in a single-node cluster", id)
		return ""
	}
	return NewCoordinator(1, cluster, store, liveness, transport, NewKeyLocker(), peerAddr, discardLogger())
}

func TestCoordinatorRejectsMissingAction(t *testing.T) {
	c := singleNodeCoordinator(t)
	resp := c.Handle(Request{Key: "k"})
	require.Equal(t, StatusError, resp.Status)
}

func TestCoordinatorRejectsMissingKey(t *testing.T) {
	c := singleNodeCoordinator(t)
	resp := c.Handle(Request{Action: ActionPut})
	require.Equal(t, StatusError, resp.Status)
}

func TestCoordinatorUnknownAction(t *testing.T) {
	c := singleNodeCoordinator(t)
	resp := c.Handle(Request{Action: "whatever", Key: "k"})
	require.Equal(t, StatusError, resp.Status)
	require.Contains(t, resp.Message, "Unknown action")
}

func TestCoordinatorActionIsCaseInsensitive(t *testing.T) {
	c := singleNodeCoordinator(t)
	resp := c.Handle(Request{Action: "PUT", Key: "k", Value: jsonStr("v")})
	require.Equal(t, StatusOK, resp.Status)
}

func TestCoordinatorPutThenGetVersionIncreases(t *testing.T) {
	c := singleNodeCoordinator(t)

	resp := c.Handle(Request{Action: ActionPut, Key: "k", Value: jsonStr("v1")})
	require.Equal(t, StatusOK, resp.Status)
	require.Equal(t, "Stored", resp.Message)

	resp = c.Handle(Request{Action: ActionPut, Key: "k", Value: jsonStr("v2")})
	require.Equal(t, StatusOK, resp.Status)
	require.Equal(t, "Updated", resp.Message)

	resp = c.Handle(Request{Action: ActionGet, Key: "k"})
	require.Equal(t, StatusOK, resp.Status)
	require.Equal(t, jsonStr("v2"), resp.Value.Value)
	require.EqualValues(t, 2, resp.Value.Version)
}

func TestCoordinatorGetHidesTombstoneUnlessInternal(t *testing.T) {
	c := singleNodeCoordinator(t)
	c.Handle(Request{Action: ActionPut, Key: "k", Value: jsonStr("v")})
	resp := c.Handle(Request{Action: ActionDelete, Key: "k"})
	require.Equal(t, StatusOK, resp.Status)

	resp = c.Handle(Request{Action: ActionGet, Key: "k"})
	require.Equal(t, StatusNotFound, resp.Status)

	resp = c.Handle(Request{Action: ActionGet, Key: "k", Internal: true})
	require.Equal(t, StatusOK, resp.Status)
	require.True(t, resp.Value.Deleted)
}

func TestCoordinatorDeleteIsIdempotent(t *testing.T) {
	c := singleNodeCoordinator(t)
	c.Handle(Request{Action: ActionPut, Key: "k", Value: jsonStr("v")})

	first := c.Handle(Request{Action: ActionDelete, Key: "k"})
	second := c.Handle(Request{Action: ActionDelete, Key: "k"})
	require.Equal(t, StatusOK, first.Status)
	require.Equal(t, StatusOK, second.Status)

	resp := c.Handle(Request{Action: ActionGet, Key: "k"})
	require.Equal(t, StatusNotFound, resp.Status)

	internal := c.Handle(Request{Action: ActionGet, Key: "k", Internal: true})
	require.EqualValues(t, 3, internal.Value.Version) // put=1, delete=2, delete=3
}

func TestCoordinatorInternalGetOnMissingKeyDoesNotCascade(t *testing.T) {
	c := singleNodeCoordinator(t)
	// peerAddr fails the test if ever called: a passing result here proves
	// no outbound connection is attempted.
	resp := c.Handle(Request{Action: ActionGet, Key: "missing", Internal: true})
	require.Equal(t, StatusNotFound, resp.Status)
}

func version(v int64) *int64 { return &v }

func TestCoordinatorReplicaPutIsVersionGuarded(t *testing.T) {
	c := singleNodeCoordinator(t)

	resp := c.Handle(Request{Action: ActionReplicaPut, Key: "k", Value: jsonStr("v1"), Version: version(5)})
	require.Equal(t, StatusOK, resp.Status)
	rec, ok := c.store.Get("k")
	require.True(t, ok)
	require.EqualValues(t, 5, rec.Version)

	// Stale write (lower version) must be ignored.
	resp = c.Handle(Request{Action: ActionReplicaPut, Key: "k", Value: jsonStr("stale"), Version: version(3)})
	require.Equal(t, StatusOK, resp.Status)
	rec, _ = c.store.Get("k")
	require.Equal(t, jsonStr("v1"), rec.Value)

	// Re-delivery of the same version must be idempotent (also ignored, since
	// the guard is a strict inequality).
	resp = c.Handle(Request{Action: ActionReplicaPut, Key: "k", Value: jsonStr("v1-again"), Version: version(5)})
	require.Equal(t, StatusOK, resp.Status)
	rec, _ = c.store.Get("k")
	require.Equal(t, jsonStr("v1"), rec.Value)
}

func TestCoordinatorReplicaDeleteIsVersionGuarded(t *testing.T) {
	c := singleNodeCoordinator(t)
	c.Handle(Request{Action: ActionReplicaPut, Key: "k", Value: jsonStr("v"), Version: version(5)})

	resp := c.Handle(Request{Action: ActionReplicaDelete, Key: "k", Version: version(3)})
	require.Equal(t, StatusOK, resp.Status)
	rec, _ := c.store.Get("k")
	require.False(t, rec.Deleted, "a stale tombstone must not overwrite a newer live value")

	resp = c.Handle(Request{Action: ActionReplicaDelete, Key: "k", Version: version(6)})
	require.Equal(t, StatusOK, resp.Status)
	rec, _ = c.store.Get("k")
	require.True(t, rec.Deleted)
}

func TestCoordinatorListKeysIncludesTombstones(t *testing.T) {
	c := singleNodeCoordinator(t)
	c.Handle(Request{Action: ActionPut, Key: "a", Value: jsonStr("1")})
	c.Handle(Request{Action: ActionDelete, Key: "b"})

	resp := c.Handle(Request{Action: ActionListKeys})
	require.Equal(t, StatusOK, resp.Status)
	require.ElementsMatch(t, []string{"a", "b"}, resp.Keys)
}

func TestCoordinatorGetStatusIncludesSelf(t *testing.T) {
	c := singleNodeCoordinator(t)
	resp := c.Handle(Request{Action: ActionGetStatus})
	require.Equal(t, StatusOK, resp.Status)
	require.Equal(t, "ALIVE", resp.Data["1"])
}

func TestCoordinatorGetAllData(t *testing.T) {
	c := singleNodeCoordinator(t)
	c.Handle(Request{Action: ActionPut, Key: "a", Value: jsonStr("1")})

	resp := c.Handle(Request{Action: ActionGetAllData})
	require.Equal(t, StatusOK, resp.Status)
	require.Contains(t, resp.Data, "a")
}
