package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/replication"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/config"
)

const compressedSuffix = ".zst"

// ObjectStore is the part of an S3-compatible client the mirror needs.
// *minio.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// ObjectMirror uploads backups to a bucket, one zstd-compressed object per
// file. Object names carry the file's version tag, so files already in the
// bucket are skipped and superseded ones removed.
type ObjectMirror struct {
	store  ObjectStore
	bucket string
	prefix string
	tagger *replication.Tagger
	logger *slog.Logger
}

func NewObjectMirror(store ObjectStore, bucket, prefix string, tagger *replication.Tagger) *ObjectMirror {
	if tagger == nil {
		tagger = replication.NewTagger()
	}
	return &ObjectMirror{
		store:  store,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		tagger: tagger,
		logger: slog.Default().With("component", "backup-mirror", "bucket", bucket),
	}
}

// NewMinioClient connects to the configured bucket, creating it if needed.
func NewMinioClient(ctx context.Context, cfg config.ObjectStoreConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}
	return client, nil
}

func (m *ObjectMirror) dirKey(name, index string) string {
	return path.Join(m.prefix, name, index) + "/"
}

// ObjectName is the object a backup file is stored under.
func ObjectName(file, versionTag string) string {
	return file + "." + versionTag + compressedSuffix
}

func (m *ObjectMirror) Upload(ctx context.Context, st Status, dir string) error {
	base := m.dirKey(st.Name, st.Index)
	existing, err := m.list(ctx, base)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(st.Files)+1)
	var uploaded int
	for _, file := range st.Files {
		item, err := m.tagger.Item(dir, file)
		if err != nil {
			return err
		}
		obj := ObjectName(file, item.VersionTag)
		want[obj] = true
		if existing[obj] {
			continue
		}
		if err := m.putCompressed(ctx, base+obj, filepath.Join(dir, file)); err != nil {
			return err
		}
		uploaded++
	}

	pointer := st.Files[len(st.Files)-1] + "\n"
	want[indexer.CurrentFile] = true
	if _, err := m.store.PutObject(ctx, m.bucket, base+indexer.CurrentFile,
		strings.NewReader(pointer), int64(len(pointer)), minio.PutObjectOptions{ContentType: "text/plain"}); err != nil {
		return fmt.Errorf("uploading %s pointer: %w", indexer.CurrentFile, err)
	}

	var removed int
	for obj := range existing {
		if want[obj] {
			continue
		}
		if err := m.store.RemoveObject(ctx, m.bucket, base+obj, minio.RemoveObjectOptions{}); err != nil {
			m.logger.Warn("removing superseded object", "object", base+obj, "error", err)
			continue
		}
		removed++
	}
	m.logger.Info("backup mirrored",
		"backup", st.Name,
		"index", st.Index,
		"generation", st.Generation,
		"uploaded", uploaded,
		"removed", removed,
	)
	return nil
}

func (m *ObjectMirror) Delete(ctx context.Context, name, index string) error {
	base := m.dirKey(name, index)
	existing, err := m.list(ctx, base)
	if err != nil {
		return err
	}
	for obj := range existing {
		if err := m.store.RemoveObject(ctx, m.bucket, base+obj, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("removing %s: %w", base+obj, err)
		}
	}
	return nil
}

func (m *ObjectMirror) list(ctx context.Context, base string) (map[string]bool, error) {
	out := make(map[string]bool)
	for obj := range m.store.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: base, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing %s: %w", base, obj.Err)
		}
		if name := strings.TrimPrefix(obj.Key, base); name != "" {
			out[name] = true
		}
	}
	return out, nil
}

// putCompressed streams the zstd-compressed file into the bucket.
func (m *ObjectMirror) putCompressed(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening %s: %w", file, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	go func() {
		enc, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(enc, f); err != nil {
			enc.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(enc.Close())
	}()

	_, err = m.store.PutObject(ctx, m.bucket, key, pr, -1, minio.PutObjectOptions{ContentType: "application/zstd"})
	pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// Decompress returns a reader over the original bytes of a mirrored object.
func Decompress(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening zstd stream: %w", err)
	}
	return dec.IOReadCloser(), nil
}

var _ Mirror = (*ObjectMirror)(nil)
