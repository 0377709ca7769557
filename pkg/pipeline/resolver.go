package pipeline

import (
	"context"
	"log/slog"

	"github.com/cunode/cunode/pkg/cache"
	"github.com/cunode/cunode/pkg/cuerr"
	"github.com/cunode/cunode/pkg/store"
)

// Base is the replay starting point the resolver picked: the memory at
// some already-evaluated point at or before the target, or genesis.
type Base struct {
	Memory      []byte
	Ordinate    uint64
	Timestamp   int64
	BlockHeight uint64

	// Source names the tier that produced the base: "memory",
	// "checkpoint", or "cold".
	Source string
}

// Resolver picks the cheapest valid replay base. Exact evaluation hits
// are the pipeline's business and never reach the resolver; by the time
// it runs, some amount of replay is already unavoidable.
type Resolver struct {
	checkpoints store.CheckpointStore
	memory      *cache.MemoryCache
	log         *slog.Logger
}

// NewResolver builds a resolver over the hot memory cache and the
// durable checkpoint store.
func NewResolver(checkpoints store.CheckpointStore, memory *cache.MemoryCache, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{checkpoints: checkpoints, memory: memory, log: log}
}

// ResolveBase returns the nearest usable state at or before the target.
// A checkpoint-store failure is not fatal: the node falls back to a
// colder tier and logs the degradation.
func (r *Resolver) ResolveBase(ctx context.Context, processID string, target Target) Base {
	if entry, ok := r.memory.Get(processID); ok {
		if target.Latest() || entry.Ordinate <= target.Ordinate {
			return Base{
				Memory:      entry.Memory,
				Ordinate:    entry.Ordinate,
				Timestamp:   entry.Timestamp,
				BlockHeight: entry.BlockHeight,
				Source:      "memory",
			}
		}
		// The hot entry is past the target. It cannot seed replay for an
		// earlier point, so fall through to the checkpoint tier.
	}

	targetOrd := target.Ordinate
	if target.Latest() {
		targetOrd = maxOrdinate
	}
	cp, err := r.checkpoints.FindCheckpointBefore(ctx, processID, target.Timestamp, targetOrd, "")
	if err == nil {
		return Base{
			Memory:      cp.Memory,
			Ordinate:    cp.Ordinate,
			Timestamp:   cp.Timestamp,
			BlockHeight: cp.BlockHeight,
			Source:      "checkpoint",
		}
	}
	if !cuerr.IsNotFound(err) {
		r.log.Warn("checkpoint lookup failed, replaying from genesis",
			slog.String("process", processID),
			slog.String("error", err.Error()))
	}

	return Base{Source: "cold"}
}
