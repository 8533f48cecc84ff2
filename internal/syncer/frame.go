package syncer

import "github.com/dreamware/bakery/internal/repo"

// Frame kinds.
const (
	KindHello = "hello"
	KindSync  = "sync"
)

// Frame is the single message type on a replication stream. A hello carries
// only From; a sync frame carries one automerge sync message for Doc.
type Frame struct {
	Sync []byte          `json:"sync,omitempty"`
	Kind string          `json:"kind"`
	From string          `json:"from,omitempty"`
	Doc  repo.DocumentID `json:"doc,omitempty"`
}
