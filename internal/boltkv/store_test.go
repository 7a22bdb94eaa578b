package boltkv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/router"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("durable", config.BoltConfig{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		NoSync: true,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "snapshots:2026-08-29", []byte("payload"), router.PutOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	v, found, err := s.Get(ctx, "snapshots:2026-08-29")
	if err != nil || !found {
		t.Fatalf("Get = %v, %v, %v", v, found, err)
	}
	if string(v) != "payload" {
		t.Errorf("got %q", v)
	}

	_, found, err = s.Get(ctx, "snapshots:missing")
	if err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if found {
		t.Error("expected miss")
	}
}

func TestTTLExpiryDeletesOnRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "sessions:x", []byte("v"), router.PutOptions{TTL: 10 * time.Millisecond})
	time.Sleep(25 * time.Millisecond)

	if _, found, _ := s.Get(ctx, "sessions:x"); found {
		t.Fatal("expired entry must read as a miss")
	}
	st, _ := s.Stats(ctx)
	if st.Keys != 0 {
		t.Errorf("expired entry should be deleted, %d keys remain", st.Keys)
	}
}

func TestCorruptValueDegradesToMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "quotes:aapl", []byte("good"), router.PutOptions{})

	// Overwrite the record with garbage underneath the adapter.
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte("quotes:aapl"), []byte("\x00garbage"))
	})
	if err != nil {
		t.Fatalf("corrupting record: %v", err)
	}

	v, found, gerr := s.Get(ctx, "quotes:aapl")
	if gerr != nil {
		t.Fatalf("corrupt value must not surface an error: %v", gerr)
	}
	if found || v != nil {
		t.Error("corrupt value must read as a miss")
	}

	st, _ := s.Stats(ctx)
	if st.Keys != 0 {
		t.Error("corrupt record should be deleted on detection")
	}
}

func TestMetadataMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "quotes:aapl", []byte("1"), router.PutOptions{Metadata: map[string]string{"source": "nyse", "tier": "a"}})
	s.Put(ctx, "quotes:aapl", []byte("2"), router.PutOptions{Metadata: map[string]string{"source": "nasdaq"}})

	var env *envelope
	s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte("quotes:aapl"))
		env, _ = decodeEnvelope(raw)
		return nil
	})
	if env == nil {
		t.Fatal("record missing")
	}
	if env.Metadata["source"] != "nasdaq" || env.Metadata["tier"] != "a" {
		t.Errorf("merge wrong: %v", env.Metadata)
	}
}

func TestListSeeksByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"fx:eurusd", "quotes:aapl", "quotes:msft", "reports:q2"} {
		s.Put(ctx, k, []byte("v"), router.PutOptions{})
	}

	keys, err := s.List(ctx, router.ListOptions{Prefix: "quotes:"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "quotes:aapl" || keys[1] != "quotes:msft" {
		t.Errorf("got %v", keys)
	}

	keys, _ = s.List(ctx, router.ListOptions{Limit: 3})
	if len(keys) != 3 {
		t.Errorf("limit not honored: %v", keys)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")
	ctx := context.Background()

	s1, err := NewStore("durable", config.BoltConfig{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	s1.Put(ctx, "reports:q2", []byte("pdf-bytes"), router.PutOptions{})
	s1.Close()

	s2, err := NewStore("durable", config.BoltConfig{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	v, found, err := s2.Get(ctx, "reports:q2")
	if err != nil || !found || string(v) != "pdf-bytes" {
		t.Fatalf("data did not survive reopen: %v, %v, %v", v, found, err)
	}
}
