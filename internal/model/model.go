// Package model defines core data structures for the compute unit.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tag is a name/value pair attached to processes and messages.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Block locates a point on the underlying chain.
type Block struct {
	Height    uint64 `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// Process is an addressable, ordered message log with an associated
// virtual-machine module and owner. Immutable after spawn.
type Process struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	Signature    string `json:"signature,omitempty"`
	Data         string `json:"data,omitempty"`
	Anchor       string `json:"anchor,omitempty"`
	Tags         []Tag  `json:"tags"`
	ModuleID     string `json:"module_id"`
	SchedulerURL string `json:"scheduler_url"`
	Block        Block  `json:"block"`
}

// Tag returns the value of the first tag with the given name.
func (p *Process) Tag(name string) (string, bool) {
	for _, t := range p.Tags {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}

// Message is one entry in a process's log, totally ordered within the
// process by (block height, ordinate, cron lineage). Immutable once
// issued by the scheduling endpoint.
type Message struct {
	ID          string `json:"id"`
	ProcessID   string `json:"process_id"`
	Ordinate    uint64 `json:"ordinate"`
	Timestamp   int64  `json:"timestamp"`
	BlockHeight uint64 `json:"block_height"`
	Cron        string `json:"cron,omitempty"`
	Tags        []Tag  `json:"tags"`
	Data        []byte `json:"data,omitempty"`
	Anchor      string `json:"anchor,omitempty"`
}

// OutboundMessage is a message produced by an evaluation step, addressed
// to another process.
type OutboundMessage struct {
	Target string `json:"Target"`
	Tags   []Tag  `json:"Tags,omitempty"`
	Data   []byte `json:"Data,omitempty"`
	Anchor string `json:"Anchor,omitempty"`
}

// OutboundSpawn is a request to create a new process, produced by an
// evaluation step.
type OutboundSpawn struct {
	Owner string `json:"Owner,omitempty"`
	Tags  []Tag  `json:"Tags,omitempty"`
	Data  []byte `json:"Data,omitempty"`
}

// EvaluationOutput is the result of replaying one message against prior
// state. Memory is the full process state after the step; Error carries a
// sandbox trap or limit violation for that step only.
type EvaluationOutput struct {
	Memory   []byte            `json:"Memory,omitempty"`
	Messages []OutboundMessage `json:"Messages"`
	Spawns   []OutboundSpawn   `json:"Spawns"`
	Output   json.RawMessage   `json:"Output,omitempty"`
	Error    string            `json:"Error,omitempty"`
}

// WithoutMemory returns a copy suitable for the durable evaluation log.
// Memory travels through checkpoints and the memory cache, not through
// evaluation rows.
func (o EvaluationOutput) WithoutMemory() EvaluationOutput {
	o.Memory = nil
	return o
}

// Evaluation is the durable, immutable output of replaying one message.
// At most one row exists per (process, timestamp, ordinate, cron) key.
type Evaluation struct {
	ProcessID   string           `json:"process_id"`
	MessageID   string           `json:"message_id"`
	Ordinate    uint64           `json:"ordinate"`
	Timestamp   int64            `json:"timestamp"`
	Cron        string           `json:"cron,omitempty"`
	BlockHeight uint64           `json:"block_height"`
	Output      EvaluationOutput `json:"output"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
}

// Key returns the unique evaluation key.
func (e *Evaluation) Key() string {
	return EvaluationKey(e.ProcessID, e.Timestamp, e.Ordinate, e.Cron)
}

// EvaluationKey builds the unique key for an evaluation point.
func EvaluationKey(processID string, timestamp int64, ordinate uint64, cron string) string {
	return fmt.Sprintf("%s,%d,%d,%s", processID, timestamp, ordinate, cron)
}

// MemoryCheckpoint is a periodic, throttled snapshot of process memory
// used as a replay starting point when no exact evaluation exists.
type MemoryCheckpoint struct {
	ID          string    `json:"id"`
	ProcessID   string    `json:"process_id"`
	Ordinate    uint64    `json:"ordinate"`
	Timestamp   int64     `json:"timestamp"`
	Cron        string    `json:"cron,omitempty"`
	BlockHeight uint64    `json:"block_height"`
	Memory      []byte    `json:"memory"`
	CreatedAt   time.Time `json:"created_at"`
}

// Limits bounds one evaluation step inside the sandbox.
type Limits struct {
	// MemoryMaxBytes caps the instance's linear memory.
	MemoryMaxBytes uint64

	// ComputeMaxDuration caps wall time for one step, standing in for an
	// instruction budget the runtime cannot meter directly.
	ComputeMaxDuration time.Duration
}

// Profile returns a stable cache-key component for a limit configuration.
func (l Limits) Profile() string {
	return fmt.Sprintf("mem=%d,compute=%s", l.MemoryMaxBytes, l.ComputeMaxDuration)
}
