package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/replication"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/errors"
)

func openMaster(t *testing.T) *indexer.Engine {
	t.Helper()
	e, err := indexer.Open(indexer.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func commit(t *testing.T, e *indexer.Engine, userData map[string]string, docs ...string) {
	t.Helper()
	for i, text := range docs {
		require.NoError(t, e.AddDocument(text+"-"+string(rune('a'+i)), text))
	}
	_, err := e.Commit(userData)
	require.NoError(t, err)
}

type fakeCatalog struct {
	mu        sync.Mutex
	recorded  []Status
	forgotten []string
}

func (c *fakeCatalog) Record(_ context.Context, st Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorded = append(c.recorded, st)
	return nil
}

func (c *fakeCatalog) Forget(_ context.Context, name, index string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, name+"/"+index)
	return nil
}

func TestBackupCopiesPinnedGeneration(t *testing.T) {
	e := openMaster(t)
	commit(t, e, map[string]string{"source": "nightly"}, "alpha", "beta")
	cat := &fakeCatalog{}
	m := NewManager(Options{Root: t.TempDir(), Catalog: cat})

	st, err := m.Backup(context.Background(), "daily", "products", e.Identity(), replication.SnapshotsOf(e))
	require.NoError(t, err)
	assert.Equal(t, e.Current().Generation, st.Generation)
	assert.ElementsMatch(t, e.LocalFiles(), st.Files)
	assert.Equal(t, "nightly", st.UserData["source"])
	assert.Equal(t, e.Identity(), st.MasterIdentity)
	assert.Positive(t, st.Bytes)
	require.Len(t, cat.recorded, 1)
	assert.Equal(t, "daily", cat.recorded[0].Name)

	restored, err := indexer.Open(indexer.Options{Dir: m.Dir("daily", "products"), ReadOnly: true})
	require.NoError(t, err)
	defer restored.Close()
	hits, err := restored.Search("alpha")
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	got, err := m.Status("daily", "products")
	require.NoError(t, err)
	assert.Equal(t, st.Generation, got.Generation)
	assert.Equal(t, st.Bytes, got.Bytes)
	assert.Equal(t, 0, e.Stats().Pinned, "backup released its pin")
}

func TestBackupIsIncremental(t *testing.T) {
	e := openMaster(t)
	commit(t, e, nil, "alpha")
	m := NewManager(Options{Root: t.TempDir()})
	first, err := m.Backup(context.Background(), "daily", "products", e.Identity(), replication.SnapshotsOf(e))
	require.NoError(t, err)

	segInfo, err := os.Stat(filepath.Join(m.Dir("daily", "products"), first.Files[0]))
	require.NoError(t, err)

	commit(t, e, nil, "gamma")
	second, err := m.Backup(context.Background(), "daily", "products", e.Identity(), replication.SnapshotsOf(e))
	require.NoError(t, err)
	assert.Greater(t, second.Generation, first.Generation)

	dir := m.Dir("daily", "products")
	_, err = os.Stat(filepath.Join(dir, first.Files[len(first.Files)-1]))
	assert.True(t, os.IsNotExist(err), "superseded commit file removed")
	again, err := os.Stat(filepath.Join(dir, first.Files[0]))
	require.NoError(t, err)
	assert.True(t, os.SameFile(segInfo, again), "unchanged segment not copied again")
}

func TestBackupRefusesNonDirectory(t *testing.T) {
	e := openMaster(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "daily"), 0o755))
	blocker := filepath.Join(root, "daily", "products")
	require.NoError(t, os.WriteFile(blocker, []byte("not a backup"), 0o644))

	m := NewManager(Options{Root: root})
	_, err := m.Backup(context.Background(), "daily", "products", e.Identity(), replication.SnapshotsOf(e))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBackupDirectory)

	data, err := os.ReadFile(blocker)
	require.NoError(t, err)
	assert.Equal(t, "not a backup", string(data))
}

func TestFailedBackupRemovesDirectory(t *testing.T) {
	m := NewManager(Options{Root: t.TempDir()})
	broken := func() (replication.Snapshot, error) { return nil, errors.New("disk gone") }

	_, err := m.Backup(context.Background(), "daily", "products", "id", broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
	_, err = os.Stat(m.Dir("daily", "products"))
	assert.True(t, os.IsNotExist(err))
}

func TestBackupRejectsBadNames(t *testing.T) {
	e := openMaster(t)
	m := NewManager(Options{Root: t.TempDir()})
	for _, name := range []string{"", ".", "..", "../escape", "a/b", "*", ".staging"} {
		_, err := m.Backup(context.Background(), name, "products", e.Identity(), replication.SnapshotsOf(e))
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, "name %q", name)
	}
}

func TestListAndDeleteWithWildcards(t *testing.T) {
	e := openMaster(t)
	commit(t, e, nil, "alpha")
	cat := &fakeCatalog{}
	m := NewManager(Options{Root: t.TempDir(), Catalog: cat})
	ctx := context.Background()
	for _, name := range []string{"daily", "weekly"} {
		for _, index := range []string{"products", "users"} {
			_, err := m.Backup(ctx, name, index, e.Identity(), replication.SnapshotsOf(e))
			require.NoError(t, err)
		}
	}

	all, err := m.List(Wildcard, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "daily", all[0].Name)
	assert.Equal(t, "products", all[0].Index)

	users, err := m.List("", "users")
	require.NoError(t, err)
	assert.Len(t, users, 2)

	none, err := m.List("monthly", Wildcard)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = m.Status("monthly", "users")
	assert.ErrorIs(t, err, apperrors.ErrFileNotFound)

	n, err := m.Delete(ctx, "daily", Wildcard)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"daily/products", "daily/users"}, cat.forgotten)
	_, err = os.Stat(filepath.Join(m.Root(), "daily"))
	assert.True(t, os.IsNotExist(err), "empty backup name directory removed")

	rest, err := m.List(Wildcard, Wildcard)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	n, err = m.Delete(ctx, "daily", "products")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type memObject struct {
	data        []byte
	contentType string
}

type memStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	puts    int
}

func newMemStore() *memStore { return &memStore{objects: make(map[string]memObject)} }

func (s *memStore) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{data: data, contentType: opts.ContentType}
	s.puts++
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: int64(len(data))}, nil
}

func (s *memStore) ListObjects(_ context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	s.mu.Lock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)
	ch := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		ch <- minio.ObjectInfo{Key: k}
	}
	close(ch)
	return ch
}

func (s *memStore) RemoveObject(_ context.Context, _, key string, _ minio.RemoveObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestObjectMirrorUploadsCompressedFiles(t *testing.T) {
	e := openMaster(t)
	commit(t, e, nil, "alpha", "beta")
	store := newMemStore()
	tagger := replication.NewTagger()
	m := NewManager(Options{
		Root:   t.TempDir(),
		Tagger: tagger,
		Mirror: NewObjectMirror(store, "backups", "/cluster-a/", tagger),
	})
	ctx := context.Background()

	st, err := m.Backup(ctx, "daily", "products", e.Identity(), replication.SnapshotsOf(e))
	require.NoError(t, err)
	dir := m.Dir("daily", "products")

	keys := store.keys()
	require.Len(t, keys, len(st.Files)+1)
	for _, file := range st.Files {
		item, err := tagger.Item(dir, file)
		require.NoError(t, err)
		key := "cluster-a/daily/products/" + ObjectName(file, item.VersionTag)
		obj, ok := store.objects[key]
		require.True(t, ok, key)
		assert.Equal(t, "application/zstd", obj.contentType)

		rc, err := Decompress(bytes.NewReader(obj.data))
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		want, err := os.ReadFile(filepath.Join(dir, file))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	pointer := store.objects["cluster-a/daily/products/"+indexer.CurrentFile]
	assert.Equal(t, st.Files[len(st.Files)-1]+"\n", string(pointer.data))

	commit(t, e, nil, "gamma")
	putsBefore := store.puts
	next, err := m.Backup(ctx, "daily", "products", e.Identity(), replication.SnapshotsOf(e))
	require.NoError(t, err)
	assert.Equal(t, 3, store.puts-putsBefore, "new segment, new commit and pointer")
	assert.Len(t, store.keys(), len(next.Files)+1, "superseded commit object removed")

	n, err := m.Delete(ctx, "daily", "products")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, store.keys())
}
