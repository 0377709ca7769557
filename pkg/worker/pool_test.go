package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/cuerr"
)

func TestPoolRunsTasksConcurrentlyAcrossSlots(t *testing.T) {
	p := New(4, 8, 0, nil)
	defer p.Close()

	var running atomic.Int64
	var peak atomic.Int64
	barrier := make(chan struct{})

	task := func(ctx context.Context) (model.EvaluationOutput, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-barrier
		running.Add(-1)
		return model.EvaluationOutput{}, nil
	}

	var channels []<-chan Result
	for i := 0; i < 4; i++ {
		ch, err := p.Submit(context.Background(), task)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		channels = append(channels, ch)
	}

	time.Sleep(50 * time.Millisecond)
	close(barrier)
	for _, ch := range channels {
		<-ch
	}

	if peak.Load() != 4 {
		t.Errorf("peak concurrency = %d, want 4", peak.Load())
	}
}

func TestPoolDeliversResults(t *testing.T) {
	p := New(2, 4, 0, nil)
	defer p.Close()

	ch, err := p.Submit(context.Background(), func(ctx context.Context) (model.EvaluationOutput, error) {
		return model.EvaluationOutput{Output: json.RawMessage(`"done"`)}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	res := <-ch
	if res.Err != nil || string(res.Output.Output) != `"done"` {
		t.Errorf("unexpected result: %+v", res)
	}

	ch, err = p.Submit(context.Background(), func(ctx context.Context) (model.EvaluationOutput, error) {
		return model.EvaluationOutput{}, fmt.Errorf("step exploded")
	})
	if err != nil {
		t.Fatal(err)
	}
	if res := <-ch; res.Err == nil {
		t.Error("task error lost")
	}
}

func TestPoolShedsWhenSaturated(t *testing.T) {
	p := New(1, 1, 20*time.Millisecond, nil)
	defer p.Close()

	release := make(chan struct{})
	block := func(ctx context.Context) (model.EvaluationOutput, error) {
		<-release
		return model.EvaluationOutput{}, nil
	}

	// Fill the slot and the queue.
	first, err := p.Submit(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond) // let the worker pick up the first task
	second, err := p.Submit(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}

	// The third submission cannot get a slot within the threshold.
	_, err = p.Submit(context.Background(), block)
	if !cuerr.IsClass(err, cuerr.ClassBusy) {
		t.Errorf("want Busy, got %v", err)
	}
	if !cuerr.IsRetryable(err) {
		t.Error("busy shedding should be retryable")
	}

	close(release)
	<-first
	<-second
}

func TestPoolZeroThresholdWaitsForSlot(t *testing.T) {
	p := New(1, 1, 0, nil)
	defer p.Close()

	release := make(chan struct{})
	block := func(ctx context.Context) (model.EvaluationOutput, error) {
		<-release
		return model.EvaluationOutput{}, nil
	}

	first, _ := p.Submit(context.Background(), block)
	time.Sleep(10 * time.Millisecond)
	second, _ := p.Submit(context.Background(), block)

	var wg sync.WaitGroup
	wg.Add(1)
	var third <-chan Result
	go func() {
		defer wg.Done()
		third, _ = p.Submit(context.Background(), block)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release) // frees the slot; the waiting submit proceeds
	wg.Wait()

	<-first
	<-second
	if third == nil {
		t.Fatal("waiting submit never completed")
	}
	<-third
}

func TestPoolSubmitHonorsContext(t *testing.T) {
	p := New(1, 1, 0, nil)
	defer p.Close()

	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) (model.EvaluationOutput, error) {
		<-release
		return model.EvaluationOutput{}, nil
	}

	p.Submit(context.Background(), block)
	time.Sleep(10 * time.Millisecond)
	p.Submit(context.Background(), block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := p.Submit(ctx, block); err != context.Canceled {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestPoolSubmitDuringCloseDoesNotPanic(t *testing.T) {
	p := New(2, 2, 0, nil)

	noop := func(ctx context.Context) (model.EvaluationOutput, error) {
		return model.EvaluationOutput{}, nil
	}

	// Hammer Submit from many goroutines while Close races them. A send
	// on the closed queue would panic and fail the test.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
				_, err := p.Submit(ctx, noop)
				cancel()
				if cuerr.IsClass(err, cuerr.ClassBusy) {
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	p := New(2, 8, 0, nil)

	var done atomic.Int64
	for i := 0; i < 6; i++ {
		_, err := p.Submit(context.Background(), func(ctx context.Context) (model.EvaluationOutput, error) {
			done.Add(1)
			return model.EvaluationOutput{}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if done.Load() != 6 {
		t.Errorf("done = %d, want 6 (queued work must drain)", done.Load())
	}
	if _, err := p.Submit(context.Background(), nil); !cuerr.IsClass(err, cuerr.ClassBusy) {
		t.Errorf("submit after close: want Busy, got %v", err)
	}
}
