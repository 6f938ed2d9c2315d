package node

import (
	"txstore/internal/clock"
	"txstore/internal/txn"
)

// EntityJSON is a key/value pair in HTTP requests.
type EntityJSON struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TxnRequest is the body of POST /v1/txn. Reads run first, then writes and
// creates are buffered, then the transaction commits.
type TxnRequest struct {
	Type    string       `json:"type,omitempty"`
	Reads   []string     `json:"reads,omitempty"`
	Writes  []EntityJSON `json:"writes,omitempty"`
	Creates []EntityJSON `json:"creates,omitempty"`
}

// ReadJSON reports one read of a transaction.
type ReadJSON struct {
	Key     string `json:"key"`
	Found   bool   `json:"found"`
	Value   string `json:"value,omitempty"`
	Version int64  `json:"version,omitempty"`
}

// TxnResponse is the reply of POST /v1/txn.
type TxnResponse struct {
	Handler  string     `json:"handler"`
	Outcome  string     `json:"outcome"`
	Snapshot int64      `json:"snapshot"`
	Reads    []ReadJSON `json:"reads,omitempty"`
}

// PartitionResponse is the reply of GET /v1/partition/{key}.
type PartitionResponse struct {
	Key      string   `json:"key"`
	Group    string   `json:"group"`
	Replicas []string `json:"replicas"`
	Local    bool     `json:"local"`
}

// StatsResponse is the reply of GET /v1/stats.
type StatsResponse struct {
	Replica  string           `json:"replica"`
	Groups   []string         `json:"groups"`
	Keys     int              `json:"keys"`
	Last     map[string]int64 `json:"last"`
	InFlight int              `json:"in_flight"`
	Pending  int              `json:"pending"`
}

// MemberResponse is one entry of GET /v1/members.
type MemberResponse struct {
	ID    string `json:"id"`
	Group string `json:"group"`
	Alive bool   `json:"alive"`
	Self  bool   `json:"self"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func parseTxnType(s string) (txn.Type, bool) {
	switch s {
	case "", "normal":
		return txn.Normal, true
	case "init":
		return txn.Init, true
	default:
		return 0, false
	}
}

// readVersion finds the version observed for key in rec.
func readVersion(rec *txn.Record, key string) clock.Version {
	for _, e := range rec.ReadSet {
		if e.Key == key {
			return e.Version
		}
	}
	return 0
}
