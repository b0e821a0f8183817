package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"filecenter/internal/repository"
	"filecenter/internal/repository/memory"
)

const testThreshold int64 = 16

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	fc       *FileCenter
	files    *memory.FileRepository
	chunks   *memory.ChunkRepository
	settings *memory.SettingsRepository
	clock    *fakeClock
}

func (e *testEnv) stores() repository.Stores {
	return repository.Stores{Files: e.files, Chunks: e.chunks, Settings: e.settings}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		files:    memory.NewFileRepository(),
		chunks:   memory.NewChunkRepository(),
		settings: memory.NewSettingsRepository(),
		clock:    newFakeClock(),
	}
	fc, err := New(context.Background(), env.stores(), Options{
		InitialFileSizeThreshold: testThreshold,
		Logger:                   discardLogger(),
		Now:                      env.clock.Now,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	env.fc = fc
	return env
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func payload(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed + byte(i*7)
	}
	return data
}

func readItem(t *testing.T, item *FileItem) []byte {
	t.Helper()
	data, err := item.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	return data
}

func recordOf(t *testing.T, env *testEnv, id repository.ID) *repository.FileRecord {
	t.Helper()
	rec, err := env.files.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) returned error: %v", id.Hex(), err)
	}
	return rec
}

func TestNew_InitializesSettings(t *testing.T) {
	settings := memory.NewSettingsRepository()
	stores := repository.Stores{
		Files:    memory.NewFileRepository(),
		Chunks:   memory.NewChunkRepository(),
		Settings: settings,
	}

	fc, err := New(context.Background(), stores, Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if fc.FileSizeThreshold() != DefaultFileSizeThreshold {
		t.Fatalf("expected default threshold, got %d", fc.FileSizeThreshold())
	}
	if fc.CreateTime().IsZero() {
		t.Fatal("expected create time to be set")
	}

	version, err := settings.InitInt(context.Background(), repository.SettingVersion, 99)
	if err != nil || version != Version {
		t.Fatalf("expected stored version %d, got %d (%v)", Version, version, err)
	}
}

func TestNew_InitialThresholdOnlyAppliesOnce(t *testing.T) {
	env := newTestEnv(t)

	reopened, err := New(context.Background(), env.stores(), Options{
		InitialFileSizeThreshold: 4096,
		Logger:                   discardLogger(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if reopened.FileSizeThreshold() != testThreshold {
		t.Fatalf("expected stored threshold %d, got %d", testThreshold, reopened.FileSizeThreshold())
	}
	if !reopened.CreateTime().Equal(env.fc.CreateTime()) {
		t.Fatalf("create time changed on reopen: %v vs %v", reopened.CreateTime(), env.fc.CreateTime())
	}
}

func TestNew_RejectsInvalidThreshold(t *testing.T) {
	for _, n := range []int64{-1, MaxFileSizeThreshold + 1} {
		_, err := New(context.Background(), memory.NewStores(), Options{InitialFileSizeThreshold: n})
		if !errors.Is(err, ErrFileSizeThreshold) {
			t.Fatalf("threshold %d: expected ErrFileSizeThreshold, got %v", n, err)
		}
		if KindOf(err) != KindConfig {
			t.Fatalf("threshold %d: expected KindConfig, got %v", n, KindOf(err))
		}
	}
}

func TestNew_RejectsCorruptStoredThreshold(t *testing.T) {
	stores := memory.NewStores()
	stores.Settings.(*memory.SettingsRepository).SetRaw(repository.SettingFileSizeThreshold, "big")

	_, err := New(context.Background(), stores, Options{})
	if KindOf(err) != KindSchema {
		t.Fatalf("expected KindSchema, got %v", err)
	}
	var schemaErr *repository.SchemaError
	if !errors.As(err, &schemaErr) || schemaErr.Field != repository.SettingFileSizeThreshold {
		t.Fatalf("expected schema error for threshold, got %v", err)
	}
}

func TestNew_RejectsOutOfRangeStoredThreshold(t *testing.T) {
	stores := memory.NewStores()
	stores.Settings.(*memory.SettingsRepository).SetRaw(repository.SettingFileSizeThreshold, int64(0))

	_, err := New(context.Background(), stores, Options{})
	if !errors.Is(err, ErrFileSizeThreshold) || KindOf(err) != KindConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestNew_VersionGuard(t *testing.T) {
	stores := memory.NewStores()
	stores.Settings.(*memory.SettingsRepository).SetRaw(repository.SettingVersion, Version+1)

	_, err := New(context.Background(), stores, Options{})
	var tooNew *VersionTooNewError
	if !errors.As(err, &tooNew) {
		t.Fatalf("expected VersionTooNewError, got %v", err)
	}
	if tooNew.Supported != Version || tooNew.Current != Version+1 {
		t.Fatalf("unexpected versions: %+v", tooNew)
	}
	if KindOf(err) != KindVersion {
		t.Fatalf("expected KindVersion, got %v", KindOf(err))
	}

	stores = memory.NewStores()
	stores.Settings.(*memory.SettingsRepository).SetRaw(repository.SettingVersion, int64(0))
	if _, err := New(context.Background(), stores, Options{}); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := New(context.Background(), repository.Stores{}, Options{})
	if KindOf(err) != KindConfig {
		t.Fatalf("expected KindConfig, got %v", err)
	}
}

func TestSetFileSizeThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.fc.SetFileSizeThreshold(ctx, 0); !errors.Is(err, ErrFileSizeThreshold) {
		t.Fatalf("expected ErrFileSizeThreshold, got %v", err)
	}
	if err := env.fc.SetFileSizeThreshold(ctx, MaxFileSizeThreshold+1); !errors.Is(err, ErrFileSizeThreshold) {
		t.Fatalf("expected ErrFileSizeThreshold, got %v", err)
	}
	if err := env.fc.SetFileSizeThreshold(ctx, MaxFileSizeThreshold); err != nil {
		t.Fatalf("SetFileSizeThreshold returned error: %v", err)
	}
	if env.fc.FileSizeThreshold() != MaxFileSizeThreshold {
		t.Fatalf("threshold not updated: %d", env.fc.FileSizeThreshold())
	}

	stored, err := env.settings.InitInt(ctx, repository.SettingFileSizeThreshold, 1)
	if err != nil || stored != MaxFileSizeThreshold {
		t.Fatalf("threshold not persisted: %d (%v)", stored, err)
	}
}

func TestSetFileSizeThreshold_AffectsLaterPutsOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := payload(40, 1)

	before, err := env.fc.PutByBuffer(ctx, data, "a.bin", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	if !recordOf(t, env, before).Chunked() {
		t.Fatal("expected chunked record before raising threshold")
	}

	if err := env.fc.SetFileSizeThreshold(ctx, 64); err != nil {
		t.Fatalf("SetFileSizeThreshold returned error: %v", err)
	}

	after, err := env.fc.PutByBuffer(ctx, payload(40, 2), "b.bin", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	if recordOf(t, env, after).Chunked() {
		t.Fatal("expected inline record after raising threshold")
	}

	item, err := env.fc.Get(ctx, before)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got := readItem(t, item); !bytes.Equal(got, data) {
		t.Fatal("existing chunked file changed after threshold update")
	}
}

func TestEncodeDecodeID(t *testing.T) {
	env := newTestEnv(t)
	id := repository.NewID()

	token := env.fc.EncodeID(id)
	got, err := env.fc.DecodeID(token)
	if err != nil {
		t.Fatalf("DecodeID returned error: %v", err)
	}
	if got != id {
		t.Fatalf("expected %s, got %s", id.Hex(), got.Hex())
	}

	if _, err := env.fc.DecodeID("not-a-token"); KindOf(err) != KindToken {
		t.Fatalf("expected KindToken, got %v", err)
	}
}

func TestEncodeID_StableAcrossReopen(t *testing.T) {
	env := newTestEnv(t)
	id := repository.NewID()

	reopened, err := New(context.Background(), env.stores(), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if env.fc.EncodeID(id) != reopened.EncodeID(id) {
		t.Fatal("token changed after reopening the same store")
	}
}

func TestDropAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.fc.PutByBuffer(ctx, payload(100, 3), "big.bin", "")
	if err != nil {
		t.Fatalf("PutByBuffer returned error: %v", err)
	}
	if err := env.fc.DropAll(ctx); err != nil {
		t.Fatalf("DropAll returned error: %v", err)
	}

	if exists, _ := env.files.Exists(ctx, id); exists {
		t.Fatal("record survived DropAll")
	}
	if env.chunks.Count(id) != 0 {
		t.Fatal("chunks survived DropAll")
	}

	fresh, err := New(ctx, env.stores(), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New after DropAll returned error: %v", err)
	}
	if fresh.FileSizeThreshold() != DefaultFileSizeThreshold {
		t.Fatalf("expected settings to be reinitialized, got threshold %d", fresh.FileSizeThreshold())
	}
}

func TestResolveMimeType(t *testing.T) {
	cases := []struct {
		given, name, want string
	}{
		{"text/csv", "a.png", "text/csv"},
		{"", "a.png", "image/png"},
		{"", "noext", DefaultMimeType},
		{"  ", "", DefaultMimeType},
		{"", "archive.unknownext", DefaultMimeType},
	}
	for _, tc := range cases {
		if got := resolveMimeType(tc.given, tc.name); got != tc.want {
			t.Fatalf("resolveMimeType(%q, %q) = %q, want %q", tc.given, tc.name, got, tc.want)
		}
	}
}
