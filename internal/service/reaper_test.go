package service

import (
	"context"
	"testing"
	"time"

	"filecenter/internal/repository"
)

func TestReaper_RunOnceRemovesExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inline, err := env.fc.PutByBufferTemporarily(ctx, []byte("short"), "", "")
	if err != nil {
		t.Fatalf("PutByBufferTemporarily returned error: %v", err)
	}
	chunked, err := env.fc.PutByBufferTemporarily(ctx, payload(100, 1), "", "")
	if err != nil {
		t.Fatalf("PutByBufferTemporarily returned error: %v", err)
	}
	permanent, err := env.fc.PutByBuffer(ctx, payload(100, 2), "", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}

	reaper := NewReaper(env.fc, time.Minute, 0, discardLogger())

	env.clock.Advance(TemporaryLifeTime)
	result, err := reaper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.ExpiredFiles != 2 || result.ExpiredChunks != 0 {
		t.Fatalf("unexpected result after record expiry: %+v", result)
	}
	if result.GC != nil {
		t.Fatal("GC must not run when disabled")
	}
	for _, id := range []repository.ID{inline, chunked} {
		if exists, _ := env.fc.CheckExists(ctx, id); exists {
			t.Fatalf("temporary record %s must be reaped", id.Hex())
		}
	}
	if env.chunks.Count(chunked) == 0 {
		t.Fatal("temporary chunks outlive their record")
	}

	env.clock.Advance(TemporaryChunkLifeTime)
	result, err = reaper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.ExpiredChunks == 0 || env.chunks.Count(chunked) != 0 {
		t.Fatalf("temporary chunks must be reaped, got %+v", result)
	}
	if exists, _ := env.fc.CheckExists(ctx, permanent); !exists {
		t.Fatal("permanent file must survive the reaper")
	}
}

func TestReaper_RunsGCOnInterval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reaper := NewReaper(env.fc, time.Minute, time.Hour, discardLogger())

	result, err := reaper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.GC == nil {
		t.Fatal("expected GC on first run")
	}

	env.clock.Advance(time.Minute)
	result, err = reaper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.GC != nil {
		t.Fatal("GC must wait for its interval")
	}

	env.clock.Advance(time.Hour)
	result, err = reaper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.GC == nil {
		t.Fatal("expected GC after the interval elapsed")
	}
}

func TestReaper_StartStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.fc.PutByBufferTemporarily(ctx, []byte("bye"), "", "")
	if err != nil {
		t.Fatalf("PutByBufferTemporarily returned error: %v", err)
	}
	env.clock.Advance(2 * TemporaryLifeTime)

	reaper := NewReaper(env.fc, 10*time.Millisecond, 0, discardLogger())
	reaper.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		exists, _ := env.fc.CheckExists(ctx, id)
		if !exists {
			break
		}
		if time.Now().After(deadline) {
			reaper.Stop()
			t.Fatal("reaper did not remove the expired record")
		}
		time.Sleep(5 * time.Millisecond)
	}

	reaper.Stop()
	reaper.Stop()
}
