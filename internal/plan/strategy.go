package plan

import (
	"fmt"

	"github.com/Aman-CERP/indexsync/pkg/work"
)

// Strategy is how long Execute waits for the backend.
type Strategy int

const (
	// Async submits and returns; failures go to the FailureHandler.
	Async Strategy = iota
	// WriteSync waits until writes are durable.
	WriteSync
	// ReadSync waits until writes are durable and searchable.
	ReadSync
	// Sync is ReadSync and also checks that every intent is accounted for.
	Sync
)

var strategyNames = map[Strategy]string{
	Async:     "async",
	WriteSync: "write_sync",
	ReadSync:  "read_sync",
	Sync:      "sync",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy is the inverse of Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	for k, name := range strategyNames {
		if name == s {
			return k, nil
		}
	}
	return Async, fmt.Errorf("unknown synchronization strategy %q", s)
}

// durability returns the commit and refresh strategies the descriptors carry.
func (s Strategy) durability() (work.CommitStrategy, work.RefreshStrategy) {
	switch s {
	case WriteSync:
		return work.CommitForce, work.RefreshNone
	case ReadSync, Sync:
		return work.CommitForce, work.RefreshForce
	default:
		return work.CommitNone, work.RefreshNone
	}
}
