package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/autofix/pkg/definition"
)

func TestFileStore_PutGet(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Put(ctx, []byte(`{"name":"a"}`))
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ref)

	again, err := store.Put(ctx, []byte(`{"name":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"a"}`, string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(store.baseDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_Missing(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	missing, _ := digest([]byte("nope"))
	_, err = store.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, bad := range []string{"abc", "sha256:zz", "sha256:abcd", "md5:" + missing[7:]} {
		_, err := store.Get(ctx, bad)
		assert.Error(t, err, bad)
	}
}

func TestRevisions_CanonicalReference(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	revs := NewRevisions(store)

	a, err := definition.Decode([]byte(`{"name":"W","nodes":[{"name":"A","parameters":{"timeout":10000}}]}`))
	require.NoError(t, err)
	b, err := definition.Decode([]byte(`{"nodes":[{"parameters":{"timeout":10000},"name":"A"}],"name":"W"}`))
	require.NoError(t, err)

	refA, err := revs.Save(ctx, a)
	require.NoError(t, err)
	refB, err := revs.Save(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, refA, refB)

	loaded, err := revs.Load(ctx, refA)
	require.NoError(t, err)
	node, ok := loaded.FindNode("A")
	require.True(t, ok)
	assert.Equal(t, json.Number("10000"), node.Parameters()["timeout"])
}

func TestNewStore_Disabled(t *testing.T) {
	store, err := NewStore(context.Background(), Config{}, t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestNewStore_FSDefaultDir(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewStore(context.Background(), Config{Backend: BackendFS}, tmpDir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	fs, ok := store.(*FileStore)
	if !ok {
		t.Fatalf("Expected *FileStore, got %T", store)
	}
	if want := filepath.Join(tmpDir, "revisions"); fs.baseDir != want {
		t.Errorf("Expected baseDir %s, got %s", want, fs.baseDir)
	}
}

func TestNewStore_S3(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	_, err := NewStore(context.Background(), Config{Backend: BackendS3}, "")
	assert.Error(t, err)

	store, err := NewStore(context.Background(), Config{
		Backend:    BackendS3,
		S3Bucket:   "revisions",
		S3Endpoint: "http://localhost:9000",
		Prefix:     "autofix/",
	}, "")
	require.NoError(t, err)
	s3s, ok := store.(*S3Store)
	require.True(t, ok, "expected *S3Store, got %T", store)
	assert.Equal(t, "revisions", s3s.bucket)
	assert.Equal(t, "autofix/abc.json", *s3s.key("abc"))
}

func TestNewStore_Unknown(t *testing.T) {
	_, err := NewStore(context.Background(), Config{Backend: "ftp"}, "")
	assert.ErrorContains(t, err, "unknown backend")

	_, err = NewStore(context.Background(), Config{Backend: BackendGCS}, "")
	assert.ErrorContains(t, err, "requires a bucket")
}
