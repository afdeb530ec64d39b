/*
Project: kvcluster
Summary:
This file defines the wire schema shared by every peer connection: the
versioned Record stored per key, and the Request/Response documents exchanged
over the framed newline-terminated JSON transport. Action is kept as a string
enum rather than scattering string comparisons through the coordinator, so an
unrecognized action is caught in one place.
*/

package kv

import (
	"encoding/json"
	"strings"
)

// Action names the coordinator operation a Request carries. Matching is
// case-insensitive on the wire; Normalized returns the canonical lowercase
// form used internally.
type Action string

const (
	ActionPut           Action = "put"
	ActionGet           Action = "get"
	ActionDelete        Action = "delete"
	ActionReplicaPut    Action = "replica_put"
	ActionReplicaDelete Action = "replica_delete"
	ActionListKeys      Action = "list_keys"
	ActionGetStatus     Action = "get_status"
	ActionGetAllData    Action = "get_all_data"
	ActionHeartbeat     Action = "heartbeat"
)

// Normalized lowercases an Action so dispatch doesn't depend on the caller's casing.
func (a Action) Normalized() Action {
	return Action(strings.ToLower(string(a)))
}

// keyless is the set of actions the common prologue does not require a key for.
func (a Action) keyless() bool {
	switch a.Normalized() {
	case ActionListKeys, ActionGetStatus, ActionGetAllData, ActionHeartbeat:
		return true
	default:
		return false
	}
}

// Record is the stored value for a key: a payload, a monotone version, and a
// tombstone flag. A deleted record carries no value. Value is opaque JSON
// (a string, number, object, array — whatever the caller sent) rather than a
// fixed Go type, preserved verbatim rather than reinterpreted or re-encoded.
type Record struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Version int64           `json:"version"`
	Deleted bool            `json:"deleted"`
}

// precedes reports whether r is strictly older than other under the
// (version, deleted) ordering: a delete at the same version beats a live value.
func (r Record) precedes(other Record) bool {
	if other.Version != r.Version {
		return other.Version > r.Version
	}
	return other.Deleted && !r.Deleted
}

// Request is the single document type carried by both the main listener and
// the heartbeat listener. Forwarded and Internal are explicit fields (not
// optional metadata) so cyclic-forwarding prevention is enforceable at the
// type level: a PUT forwarded once to the primary arrives with Forwarded
// already true, and a GET cascaded during anti-entropy arrives with Internal
// already true.
type Request struct {
	Action    Action          `json:"action"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Version   *int64          `json:"version,omitempty"`
	Forwarded bool            `json:"forwarded,omitempty"`
	Internal  bool            `json:"internal,omitempty"`
	From      int             `json:"from,omitempty"` // heartbeat sender node id
}

// Status is the outcome of a request.
type Status string

const (
	StatusOK       Status = "OK"
	StatusNotFound Status = "NOT_FOUND"
	StatusError    Status = "ERROR"
)

// Response is the single document type returned for every request.
type Response struct {
	Status  Status          `json:"status"`
	Message string          `json:"message,omitempty"`
	Value   *Record         `json:"value,omitempty"`
	Keys    []string        `json:"keys,omitempty"`
	Data    map[string]any  `json:"data,omitempty"`
}
