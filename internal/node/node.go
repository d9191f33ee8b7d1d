package node

import (
	"context"
	"time"

	"github.com/danmuck/psbcast/internal/replica"
)

// Node is the replica surface served to clients.
type Node interface {
	NodeID() string
	Kind() string
	Submit(ctx context.Context, req SubmitRequest) (Result, error)
	Snapshot() Snapshot
	Ready() bool
}

// SubmitRequest is one client update entering the cluster at this node. A
// zero Timestamp takes the next per-client counter value.
type SubmitRequest struct {
	ClientID  uint32
	Update    uint32
	Timestamp uint32
}

// Result reports where a submitted update landed in the global order.
type Result struct {
	ClientID  uint32 `json:"client_id"`
	Timestamp uint32 `json:"timestamp"`
	Update    uint32 `json:"update"`
	Seq       uint32 `json:"seq"`
	View      uint32 `json:"view"`
}

// Snapshot is the status copy published by the dispatch loop after every pass.
type Snapshot struct {
	Node        string         `json:"node"`
	Running     bool           `json:"running"`
	Replica     replica.Status `json:"replica"`
	Outstanding int            `json:"outstanding_sends"`
	Waiting     int            `json:"waiting_clients"`
	Passes      uint64         `json:"passes"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
