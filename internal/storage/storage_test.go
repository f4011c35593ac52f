package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScopedConformance(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("get missing keys returns empty map", func(t *testing.T) {
		b := newBackend(t)
		got, err := b.Scope("vault").Get(ctx, "record")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("set then get", func(t *testing.T) {
		b := newBackend(t)
		s := b.Scope("vault")
		require.NoError(t, s.Set(ctx, map[string][]byte{"record": []byte("v1"), "meta": []byte("m")}))

		got, err := s.Get(ctx, "record", "meta", "absent")
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"record": []byte("v1"), "meta": []byte("m")}, got)
	})

	t.Run("overwrite", func(t *testing.T) {
		b := newBackend(t)
		s := b.Scope("vault")
		require.NoError(t, s.Set(ctx, map[string][]byte{"record": []byte("v1")}))
		require.NoError(t, s.Set(ctx, map[string][]byte{"record": []byte("v2")}))

		got, err := s.Get(ctx, "record")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got["record"])
	})

	t.Run("scopes are isolated", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Scope("vault").Set(ctx, map[string][]byte{"k": []byte("vault")}))
		require.NoError(t, b.Scope("permissions").Set(ctx, map[string][]byte{"k": []byte("perm")}))

		v, err := b.Scope("vault").Get(ctx, "k")
		require.NoError(t, err)
		p, err := b.Scope("permissions").Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("vault"), v["k"])
		assert.Equal(t, []byte("perm"), p["k"])
	})

	t.Run("remove and keys", func(t *testing.T) {
		b := newBackend(t)
		s := b.Scope("permissions")
		require.NoError(t, s.Set(ctx, map[string][]byte{"b": []byte("2"), "a": []byte("1"), "c": []byte("3")}))
		require.NoError(t, s.Remove(ctx, "b", "missing"))

		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, keys)
	})

	t.Run("returned values are copies", func(t *testing.T) {
		b := newBackend(t)
		s := b.Scope("vault")
		require.NoError(t, s.Set(ctx, map[string][]byte{"record": []byte("abc")}))

		got, err := s.Get(ctx, "record")
		require.NoError(t, err)
		got["record"][0] = 'X'

		again, err := s.Get(ctx, "record")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again["record"])
	})

	t.Run("empty key rejected", func(t *testing.T) {
		b := newBackend(t)
		err := b.Scope("vault").Set(ctx, map[string][]byte{"": []byte("x")})
		assert.Error(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		b := newBackend(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := b.Scope("vault").Get(cctx, "record")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryBackend(t *testing.T) {
	runScopedConformance(t, func(t *testing.T) Backend {
		return NewMemoryBackend()
	})

	t.Run("closed", func(t *testing.T) {
		b := NewMemoryBackend()
		require.NoError(t, b.Close())
		_, err := b.Scope("vault").Get(context.Background(), "record")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestBoltBackend(t *testing.T) {
	runScopedConformance(t, func(t *testing.T) Backend {
		b, err := OpenBolt(filepath.Join(t.TempDir(), "wallet.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})

	t.Run("persists across reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "wallet.db")
		b, err := OpenBolt(path)
		require.NoError(t, err)
		require.NoError(t, b.Scope("vault").Set(context.Background(), map[string][]byte{"record": []byte("ct")}))
		require.NoError(t, b.Close())

		b, err = OpenBolt(path)
		require.NoError(t, err)
		defer b.Close()
		got, err := b.Scope("vault").Get(context.Background(), "record")
		require.NoError(t, err)
		assert.Equal(t, []byte("ct"), got["record"])
	})
}

func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	runScopedConformance(t, func(t *testing.T) Backend {
		ctx := context.Background()
		b, err := NewPostgres(ctx, dsn)
		require.NoError(t, err)

		up, err := Migrations.ReadFile("migrations/0001_kv_store.up.sql")
		require.NoError(t, err)
		_, err = b.pool.Exec(ctx, string(up))
		require.NoError(t, err)
		_, err = b.pool.Exec(ctx, `DELETE FROM kv_store`)
		require.NoError(t, err)

		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

// xorSealer is a reversible stand-in for a KMS provider
type xorSealer struct {
	fail bool
}

func (x *xorSealer) Encrypt(_ context.Context, data []byte) ([]byte, error) {
	if x.fail {
		return nil, errors.New("kms unavailable")
	}
	out := make([]byte, len(data)+len("sealed:"))
	copy(out, "sealed:")
	for i, c := range data {
		out[len("sealed:")+i] = c ^ 0x5a
	}
	return out, nil
}

func (x *xorSealer) Decrypt(_ context.Context, data []byte) ([]byte, error) {
	if x.fail {
		return nil, errors.New("kms unavailable")
	}
	if !strings.HasPrefix(string(data), "sealed:") {
		return nil, errors.New("not sealed")
	}
	body := data[len("sealed:"):]
	out := make([]byte, len(body))
	for i, c := range body {
		out[i] = c ^ 0x5a
	}
	return out, nil
}

func (x *xorSealer) Provider() string { return "xor" }

func TestSealedBackend(t *testing.T) {
	runScopedConformance(t, func(t *testing.T) Backend {
		return NewSealedBackend(NewMemoryBackend(), &xorSealer{})
	})

	t.Run("inner backend only sees sealed values", func(t *testing.T) {
		ctx := context.Background()
		inner := NewMemoryBackend()
		sealed := NewSealedBackend(inner, &xorSealer{})

		require.NoError(t, sealed.Scope("vault").Set(ctx, map[string][]byte{"record": []byte("ciphertext")}))

		raw, err := inner.Scope("vault").Get(ctx, "record")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(raw["record"]), "sealed:"))
		assert.NotContains(t, string(raw["record"]), "ciphertext")
	})

	t.Run("sealer failure aborts the write", func(t *testing.T) {
		ctx := context.Background()
		inner := NewMemoryBackend()
		sealed := NewSealedBackend(inner, &xorSealer{fail: true})

		err := sealed.Scope("vault").Set(ctx, map[string][]byte{"record": []byte("x")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "xor seal")

		keys, err := inner.Scope("vault").Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, Options{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	b, err = Open(ctx, Options{Backend: "bolt", DataDir: t.TempDir(), Sealer: &xorSealer{}})
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &SealedBackend{}, b)

	_, err = Open(ctx, Options{Backend: "etcd"})
	assert.Error(t, err)
}
