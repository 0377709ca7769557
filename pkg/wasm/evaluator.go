package wasm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/cuerr"
)

// wasmPageSize is the linear-memory page granularity.
const wasmPageSize = 65536

// Exported functions every evaluator module must provide. The module
// receives the prior state and one message through its own allocator,
// applies the message, and exposes the serialized output buffer.
const (
	fnAlloc     = "alloc"
	fnApply     = "apply"
	fnOutputLen = "output_len"
)

// Evaluator holds one compiled module bound to one resource-limit
// profile. A fresh instance is created per step so no state leaks
// between evaluations; the compiled module is what the cache amortizes.
type Evaluator struct {
	moduleID string
	limits   model.Limits
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// NewEvaluator compiles a module binary under the given limits. The
// memory limit is enforced by the runtime in whole pages.
func NewEvaluator(ctx context.Context, moduleID string, binary []byte, limits model.Limits) (*Evaluator, error) {
	pages := uint32(limits.MemoryMaxBytes / wasmPageSize)
	if pages == 0 {
		pages = 1
	}

	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	compiled, err := rt.CompileModule(ctx, binary)
	if err != nil {
		rt.Close(ctx)
		return nil, cuerr.Wrapf(err, cuerr.ClassCompute, "compile module %s", moduleID)
	}

	return &Evaluator{
		moduleID: moduleID,
		limits:   limits,
		runtime:  rt,
		compiled: compiled,
	}, nil
}

// ModuleID returns the id of the compiled module.
func (e *Evaluator) ModuleID() string { return e.moduleID }

// Close releases the runtime and everything compiled under it.
func (e *Evaluator) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Evaluate replays one message against the prior memory. Traps, limit
// violations and deadline overruns come back as a populated Error field
// in the output, not as a Go error: a failed step is still a step.
func (e *Evaluator) Evaluate(ctx context.Context, memoryIn []byte, msg *model.Message) (model.EvaluationOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, e.limits.ComputeMaxDuration)
	defer cancel()

	out, err := e.run(ctx, memoryIn, msg)
	if err != nil {
		// The step failed inside the sandbox. Memory is unchanged and
		// the failure travels inside the output.
		return model.EvaluationOutput{
			Memory:   memoryIn,
			Messages: []model.OutboundMessage{},
			Spawns:   []model.OutboundSpawn{},
			Error:    cuerr.Wrapf(err, cuerr.ClassCompute, "evaluate message %s", msg.ID).Error(),
		}, nil
	}
	return out, nil
}

func (e *Evaluator) run(ctx context.Context, memoryIn []byte, msg *model.Message) (model.EvaluationOutput, error) {
	var zero model.EvaluationOutput

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return zero, fmt.Errorf("instantiate: %w", err)
	}
	defer mod.Close(ctx)

	alloc := mod.ExportedFunction(fnAlloc)
	apply := mod.ExportedFunction(fnApply)
	outputLen := mod.ExportedFunction(fnOutputLen)
	if alloc == nil || apply == nil || outputLen == nil {
		return zero, fmt.Errorf("module %s does not export %s/%s/%s", e.moduleID, fnAlloc, fnApply, fnOutputLen)
	}

	mem := mod.Memory()
	write := func(data []byte) (uint64, error) {
		res, err := alloc.Call(ctx, uint64(len(data)))
		if err != nil {
			return 0, fmt.Errorf("alloc: %w", err)
		}
		if len(res) == 0 {
			return 0, fmt.Errorf("alloc returned nothing")
		}
		ptr := res[0]
		if !mem.Write(uint32(ptr), data) {
			return 0, fmt.Errorf("memory write of %d bytes at %d failed", len(data), ptr)
		}
		return ptr, nil
	}

	msgData, err := json.Marshal(msg)
	if err != nil {
		return zero, fmt.Errorf("encode message: %w", err)
	}

	statePtr, err := write(memoryIn)
	if err != nil {
		return zero, err
	}
	msgPtr, err := write(msgData)
	if err != nil {
		return zero, err
	}

	res, err := apply.Call(ctx,
		statePtr, uint64(len(memoryIn)),
		msgPtr, uint64(len(msgData)))
	if err != nil {
		return zero, fmt.Errorf("apply: %w", err)
	}
	if len(res) == 0 {
		return zero, fmt.Errorf("apply returned no output pointer")
	}
	outPtr := uint32(res[0])

	lenRes, err := outputLen.Call(ctx)
	if err != nil {
		return zero, fmt.Errorf("output_len: %w", err)
	}
	if len(lenRes) == 0 {
		return zero, fmt.Errorf("output_len returned nothing")
	}

	raw, ok := mem.Read(outPtr, uint32(lenRes[0]))
	if !ok {
		return zero, fmt.Errorf("output read of %d bytes at %d failed", lenRes[0], outPtr)
	}
	return decodeOutput(raw)
}

// decodeOutput parses the sandbox's serialized step output. Missing
// slices are normalized so callers never see nil.
func decodeOutput(raw []byte) (model.EvaluationOutput, error) {
	var out model.EvaluationOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode step output: %w", err)
	}
	if out.Messages == nil {
		out.Messages = []model.OutboundMessage{}
	}
	if out.Spawns == nil {
		out.Spawns = []model.OutboundSpawn{}
	}
	return out, nil
}
