package batch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sparkfn/containerrt/internal/batch"
	"github.com/sparkfn/containerrt/internal/controlplane"
)

func record(inputID string, data []byte) controlplane.OutputRecord {
	return controlplane.OutputRecord{
		InputID: inputID,
		Result:  controlplane.Result{Status: "SUCCESS", Data: data},
	}
}

func TestOutputBatcherFlushesAtMaxRecords(t *testing.T) {
	var mu sync.Mutex
	var calls [][]controlplane.OutputRecord

	b := batch.NewOutputBatcher(&batch.Config{MaxRecords: 2, FlushInterval: time.Hour}, func(_ context.Context, records []controlplane.OutputRecord) error {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]controlplane.OutputRecord(nil), records...)
		calls = append(calls, cp)
		return nil
	})
	defer b.Close()

	ctx := context.Background()
	r1, err := b.Submit(ctx, record("in-1", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r2, err := b.Submit(ctx, record("in-2", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := r1.Wait(ctx); err != nil {
		t.Fatalf("Wait r1: %v", err)
	}
	if err := r2.Wait(ctx); err != nil {
		t.Fatalf("Wait r2: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || len(calls[0]) != 2 {
		t.Fatalf("got calls %v, want one batch of 2", calls)
	}
}

func TestOutputBatcherFlushesAtMaxBytes(t *testing.T) {
	var mu sync.Mutex
	var calls [][]controlplane.OutputRecord

	b := batch.NewOutputBatcher(&batch.Config{MaxRecords: 16, MaxBytes: 3, FlushInterval: time.Hour}, func(_ context.Context, records []controlplane.OutputRecord) error {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]controlplane.OutputRecord(nil), records...)
		calls = append(calls, cp)
		return nil
	})
	defer b.Close()

	ctx := context.Background()
	r1, err := b.Submit(ctx, record("in-1", []byte("ab")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r2, err := b.Submit(ctx, record("in-2", []byte("cd")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := r1.Wait(ctx); err != nil {
		t.Fatalf("Wait r1: %v", err)
	}
	if err := r2.Wait(ctx); err != nil {
		t.Fatalf("Wait r2: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// the 2nd record's 2 bytes pushes the running total (2+2=4) past
	// MaxBytes=3, so it must flush with the 2nd record rather than wait
	// for a 3rd.
	if len(calls) != 1 || len(calls[0]) != 2 {
		t.Fatalf("got calls %v, want one batch of 2", calls)
	}
}

func TestOutputBatcherFlushesOnInterval(t *testing.T) {
	done := make(chan []controlplane.OutputRecord, 1)

	b := batch.NewOutputBatcher(&batch.Config{MaxRecords: 16, FlushInterval: 5 * time.Millisecond}, func(_ context.Context, records []controlplane.OutputRecord) error {
		done <- append([]controlplane.OutputRecord(nil), records...)
		return nil
	})
	defer b.Close()

	ctx := context.Background()
	r, err := b.Submit(ctx, record("in-1", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	select {
	case records := <-done:
		if len(records) != 1 || records[0].InputID != "in-1" {
			t.Fatalf("got %v, want [in-1]", records)
		}
	case <-time.After(time.Second):
		t.Fatal("batch never flushed")
	}
}

func TestOutputBatcherSurfacesProcessorError(t *testing.T) {
	boom := errors.New("boom")
	b := batch.NewOutputBatcher(&batch.Config{MaxRecords: 1}, func(context.Context, []controlplane.OutputRecord) error {
		return boom
	})
	defer b.Close()

	ctx := context.Background()
	r, err := b.Submit(ctx, record("in-1", nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := r.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
}

func TestOutputBatcherShutdownDrainsPending(t *testing.T) {
	var mu sync.Mutex
	var n int

	b := batch.NewOutputBatcher(&batch.Config{MaxRecords: 16, FlushInterval: time.Hour}, func(_ context.Context, records []controlplane.OutputRecord) error {
		mu.Lock()
		n += len(records)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	if _, err := b.Submit(ctx, record("in-1", nil)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := b.Submit(ctx, record("in-2", nil)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if n != 2 {
		t.Fatalf("got %d records processed, want 2", n)
	}
}

func TestNewOutputBatcherPanicsOnNilProcessor(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for a nil processor")
		}
	}()
	batch.NewOutputBatcher(nil, nil)
}
