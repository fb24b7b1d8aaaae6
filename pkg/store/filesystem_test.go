package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemStoreWriteRead(t *testing.T) {
	s := NewFilesystemStore(t.TempDir())
	ctx := context.Background()

	acl := ACL{Read: []string{"a@x", "c1@x"}, Write: []string{"c1@x"}}
	require.NoError(t, s.Write(ctx, "c1@x", "shared/flows/gwas/run-1/stats.json", []byte(`{"n":42}`), acl))

	data, err := s.Read(ctx, "c1@x", "shared/flows/gwas/run-1/stats.json")
	require.NoError(t, err)
	assert.Equal(t, `{"n":42}`, string(data))
}

func TestFilesystemStoreWriteAppliesACLSidecar(t *testing.T) {
	s := NewFilesystemStore(t.TempDir())
	ctx := context.Background()

	acl := ACL{Read: []string{"c1@x", "a@x", "a@x"}}
	require.NoError(t, s.Write(ctx, "c1@x", "shared/run-1/out.json", []byte("{}"), acl))

	got, err := s.ReadACL(ctx, "c1@x", "shared/run-1/out.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x", "c1@x"}, got.Read, "read list sorted and deduplicated")
	assert.Equal(t, []string{"c1@x"}, got.Admin, "writing owner becomes admin")
}

func TestFilesystemStoreReadMissing(t *testing.T) {
	s := NewFilesystemStore(t.TempDir())

	_, err := s.Read(context.Background(), "c1@x", "nope/missing.json")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestFilesystemStoreReadMetadata(t *testing.T) {
	s := NewFilesystemStore(t.TempDir())
	ctx := context.Background()

	meta, err := s.ReadMetadata(ctx, "c1@x", "shared/out.json")
	require.NoError(t, err)
	assert.False(t, meta.Exists, "absence is metadata, not an error")

	require.NoError(t, s.Write(ctx, "c1@x", "shared/out.json", []byte("abc"), ACL{}))

	meta, err = s.ReadMetadata(ctx, "c1@x", "shared/out.json")
	require.NoError(t, err)
	assert.True(t, meta.Exists)
	assert.Equal(t, int64(3), meta.Size)
	assert.False(t, meta.LastModified.IsZero())
}

func TestFilesystemStoreList(t *testing.T) {
	s := NewFilesystemStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "c1@x", "shared/run-1/b.json", []byte("{}"), ACL{}))
	require.NoError(t, s.Write(ctx, "c1@x", "shared/run-1/a.json", []byte("{}"), ACL{}))
	require.NoError(t, s.Write(ctx, "c1@x", "private/other.json", []byte("{}"), ACL{}))

	paths, err := s.List(ctx, "c1@x", "shared/run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared/run-1/a.json", "shared/run-1/b.json"}, paths, "sorted, sidecars excluded")

	empty, err := s.List(ctx, "c1@x", "shared/absent")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFilesystemStoreRejectsEscapingPaths(t *testing.T) {
	s := NewFilesystemStore(t.TempDir())
	ctx := context.Background()

	assert.Error(t, s.Write(ctx, "c1@x", "../c2@x/secret.json", []byte("{}"), ACL{}))
	_, err := s.Read(ctx, "c1@x", "/etc/passwd")
	assert.Error(t, err)
}

func TestSidecarRoundTrip(t *testing.T) {
	acl := ACL{Read: []string{"b@x", "a@x"}, Write: []string{"a@x"}, Admin: []string{"a@x"}}

	data, err := MarshalSidecar(acl)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pattern: '**'")

	got, err := UnmarshalSidecar(data)
	require.NoError(t, err)
	assert.Equal(t, acl.Normalize(), got)
}
