package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/threadkit/threadkit/pkg/client"
	"github.com/threadkit/threadkit/pkg/store/sqlite"
	"github.com/threadkit/threadkit/pkg/thread"
	"github.com/threadkit/threadkit/pkg/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	threads, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { threads.Close() })

	srv := New(threads, Config{AuthToken: token, Logger: quietLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, threads
}

func newTestClient(t *testing.T, ts *httptest.Server, token string) *client.Client {
	t.Helper()
	c := client.New(client.Config{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync",
		Authorization:  token,
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
		Logger:         quietLogger(),
	})
	t.Cleanup(func() { c.Close() })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func TestFullSaveRestoreRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, "secret")
	c := newTestClient(t, ts, "secret")
	ctx := context.Background()

	payload := []byte(`{"state":{"greeting":"hello"},"metadata":{"title":"demo"}}`)
	if err := c.Save(ctx, "conv-1", wire.SaveModeFull, payload); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, found, err := c.Restore(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !found {
		t.Fatal("Restore reported not found")
	}
	env, err := thread.ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.State["greeting"] != "hello" || env.Metadata["title"] != "demo" {
		t.Errorf("restored envelope = %+v", env)
	}
}

func TestRestoreMissingThread(t *testing.T) {
	ts, _ := newTestServer(t, "secret")
	c := newTestClient(t, ts, "secret")

	data, found, err := c.Restore(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if found || data != nil {
		t.Errorf("Restore = %q, %v, want nil, false", data, found)
	}
}

func TestMergeSaveAppliesOperations(t *testing.T) {
	ts, _ := newTestServer(t, "secret")
	c := newTestClient(t, ts, "secret")
	ctx := context.Background()

	if err := c.Save(ctx, "conv-1", wire.SaveModeFull,
		[]byte(`{"state":{"a":1,"doomed":true}}`)); err != nil {
		t.Fatalf("full Save: %v", err)
	}

	mp := thread.MergePayload{
		Operations: []thread.Operation{
			{Op: thread.OpSet, Key: "b", Value: 2},
			{Op: thread.OpDelete, Key: "doomed"},
			{Op: thread.OpPush, Key: "log", Value: "entry", MaxRecords: 10},
		},
		Metadata: map[string]any{"title": "merged"},
	}
	payload, err := json.Marshal(mp)
	if err != nil {
		t.Fatalf("marshal merge payload: %v", err)
	}
	if err := c.Save(ctx, "conv-1", wire.SaveModeMerge, payload); err != nil {
		t.Fatalf("merge Save: %v", err)
	}

	data, _, err := c.Restore(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	env, err := thread.ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.State["a"] != float64(1) || env.State["b"] != float64(2) {
		t.Errorf("state = %v", env.State)
	}
	if _, ok := env.State["doomed"]; ok {
		t.Error("deleted key survived the merge")
	}
	list, ok := env.State["log"].([]any)
	if !ok || len(list) != 1 || list[0] != "entry" {
		t.Errorf("log = %v", env.State["log"])
	}
	if env.Metadata["title"] != "merged" {
		t.Errorf("metadata = %v", env.Metadata)
	}
}

func TestMergeSaveCreatesThread(t *testing.T) {
	ts, _ := newTestServer(t, "secret")
	c := newTestClient(t, ts, "secret")
	ctx := context.Background()

	mp := thread.MergePayload{
		Operations: []thread.Operation{{Op: thread.OpSet, Key: "fresh", Value: true}},
	}
	payload, _ := json.Marshal(mp)
	if err := c.Save(ctx, "brand-new", wire.SaveModeMerge, payload); err != nil {
		t.Fatalf("merge Save: %v", err)
	}

	data, found, err := c.Restore(ctx, "brand-new")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !found {
		t.Fatal("merged thread not stored")
	}
	env, _ := thread.ParseEnvelope(data)
	if env.State["fresh"] != true {
		t.Errorf("state = %v", env.State)
	}
}

func TestMergeSaveUpgradesLegacyEnvelope(t *testing.T) {
	ts, threads := newTestServer(t, "secret")
	ctx := context.Background()

	// Seed a legacy bare-object envelope directly in the store.
	if err := threads.Save(ctx, "old", []byte(`{"from":"before the wrapper"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := newTestClient(t, ts, "secret")
	mp := thread.MergePayload{
		Operations: []thread.Operation{{Op: thread.OpSet, Key: "added", Value: "now"}},
	}
	payload, _ := json.Marshal(mp)
	if err := c.Save(ctx, "old", wire.SaveModeMerge, payload); err != nil {
		t.Fatalf("merge Save: %v", err)
	}

	data, _, err := c.Restore(ctx, "old")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	env, err := thread.ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.State["from"] != "before the wrapper" || env.State["added"] != "now" {
		t.Errorf("state = %v", env.State)
	}
}

func TestDeleteThread(t *testing.T) {
	ts, _ := newTestServer(t, "secret")
	c := newTestClient(t, ts, "secret")
	ctx := context.Background()

	if err := c.Save(ctx, "conv-1", wire.SaveModeFull, []byte(`{"state":{"a":1}}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := c.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, found, err := c.Restore(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if found {
		t.Error("thread still present after Delete")
	}
}

func TestBadTokenRejected(t *testing.T) {
	ts, _ := newTestServer(t, "secret")
	c := client.New(client.Config{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync",
		Authorization:  "wrong",
		ConnectTimeout: 2 * time.Second,
		Logger:         quietLogger(),
	})
	t.Cleanup(func() { c.Close() })

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded with a bad token")
	}
	if !strings.Contains(err.Error(), "authentication rejected") {
		t.Errorf("Connect error = %v, want authentication rejection", err)
	}
}

func TestInvalidSaveModeRejected(t *testing.T) {
	ts, _ := newTestServer(t, "secret")
	c := newTestClient(t, ts, "secret")

	err := c.Save(context.Background(), "conv-1", wire.SaveMode("sideways"), []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "unknown save mode") {
		t.Errorf("Save error = %v, want unknown save mode", err)
	}
}

func TestProviderAgainstRealServer(t *testing.T) {
	ts, _ := newTestServer(t, "secret")
	ctx := context.Background()

	c1 := newTestClient(t, ts, "secret")
	pr1 := thread.NewProvider(c1, thread.ProviderConfig{Logger: quietLogger()})
	t.Cleanup(pr1.Close)

	th, err := pr1.Restore(ctx, "conv-e2e")
	if err != nil {
		t.Fatalf("provider Restore: %v", err)
	}
	th.State().Set("step", float64(1))
	th.State().Push("log", "first", 5)
	th.SetMetadata(map[string]any{"title": "e2e"})
	if err := pr1.Save(ctx, th); err != nil {
		t.Fatalf("provider Save: %v", err)
	}

	// A second process sees the merged result.
	c2 := newTestClient(t, ts, "secret")
	pr2 := thread.NewProvider(c2, thread.ProviderConfig{Logger: quietLogger()})
	t.Cleanup(pr2.Close)

	th2, err := pr2.Restore(ctx, "conv-e2e")
	if err != nil {
		t.Fatalf("provider Restore: %v", err)
	}
	v, ok, err := th2.State().Get(ctx, "step")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != float64(1) {
		t.Errorf("step = %v, %v, want 1", v, ok)
	}
	meta, err := th2.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta["title"] != "e2e" {
		t.Errorf("metadata = %v", meta)
	}
}
