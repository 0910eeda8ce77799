package nodestate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tc-dynconf/configchange/internal/record"
	"github.com/tc-dynconf/configchange/internal/topology"
	"github.com/tc-dynconf/configchange/internal/util/atomicwrite"
)

// persisted is the sidecar file that carries the counters the change log
// alone cannot reconstruct: the log's tail records its own version and
// state, but nothing in it says what mutative_message_count was before the
// tail was written, nor what the current (committed) configuration is once
// the tail has moved on to a PREPARED or ROLLED_BACK record at a version
// past the last commit. Those are node-level derived state, not log state,
// so they are snapshotted here right after every durable log mutation.
type persisted struct {
	MutativeMessageCount int64                  `json:"mutativeMessageCount"`
	CurrentVersion       int64                  `json:"currentVersion"`
	CurrentConfig        topology.Configuration `json:"currentConfig"`
	LastMutation         record.Audit           `json:"lastMutation"`
	Checkpoints          []string               `json:"checkpoints,omitempty"`
}

func loadPersisted(path string, bootstrap topology.Configuration) (persisted, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return persisted{CurrentConfig: bootstrap}, nil
	}
	if err != nil {
		return persisted{}, fmt.Errorf("nodestate: read state %s: %w", path, err)
	}
	var p persisted
	if err := json.Unmarshal(b, &p); err != nil {
		return persisted{}, fmt.Errorf("nodestate: decode state %s: %w", path, err)
	}
	return p, nil
}

func savePersisted(path string, p persisted) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("nodestate: encode state: %w", err)
	}
	return atomicwrite.AtomicWriteFile(path, b, 0o644)
}
