package source

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/domain"
)

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func paths(b domain.Bundle) []string {
	out := make([]string, 0, len(b.Files))
	for _, f := range b.Files {
		out = append(out, f.Path)
	}
	return out
}

func TestDirSourceReadsTreeAndArchive(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "csv-report", "1.0.0")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skill.yaml"), []byte("id: csv-report"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "util.py"), []byte("x = 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "csv-report", "2.0.0.zip"),
		zipOf(t, map[string]string{"main.wasm": "\x00asm", "skill.yaml": "id: csv-report"}), 0o644))

	src := NewDirSource(root, DefaultLimits())
	ctx := context.Background()

	b, err := src.Fetch(ctx, "csv-report", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"lib/util.py", "main.py"}, paths(b))

	b, err = src.Fetch(ctx, "csv-report", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.wasm"}, paths(b))

	_, err = src.Fetch(ctx, "csv-report", "3.0.0")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = src.Fetch(ctx, "..", "1.0.0")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = src.Fetch(ctx, "csv-report", "../../etc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUnzipLimits(t *testing.T) {
	lim := Limits{MaxArchiveBytes: 1 << 20, MaxFiles: 2, MaxUnpackedBytes: 64}

	_, err := Unzip(zipOf(t, map[string]string{"a": "1", "b": "2", "c": "3"}), lim)
	assert.ErrorIs(t, err, ErrBundleTooLarge)

	_, err = Unzip(zipOf(t, map[string]string{"big": strings.Repeat("z", 65)}), lim)
	assert.ErrorIs(t, err, ErrBundleTooLarge)

	_, err = Unzip(make([]byte, 2<<20), lim)
	assert.ErrorIs(t, err, ErrBundleTooLarge)

	_, err = Unzip([]byte("not a zip"), lim)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBundleTooLarge)

	// Пути отдаются как есть, их оценивает статическая проверка.
	b, err := Unzip(zipOf(t, map[string]string{"../escape.py": "x"}), lim)
	require.NoError(t, err)
	assert.Equal(t, []string{"../escape.py"}, paths(b))
}

type fakeS3 struct {
	objects map[string][]byte
	err     error
	lastKey string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.lastKey = aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[f.lastKey]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func TestS3Source(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{
		"skills/csv-report/1.0.0.zip": zipOf(t, map[string]string{"main.py": "print(1)"}),
	}}
	src := NewS3SourceWithClient(client, "bucket", "skills/", DefaultLimits())
	ctx := context.Background()

	b, err := src.Fetch(ctx, "csv-report", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py"}, paths(b))

	_, err = src.Fetch(ctx, "csv-report", "9.9.9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "skills/csv-report/9.9.9.zip", client.lastKey)

	client.err = &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}
	_, err = src.Fetch(ctx, "csv-report", "1.0.0")
	var tErr *ThrottleError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, throttleDelay, tErr.RetryAfter)
}

type flakySource struct {
	calls atomic.Int32
	fails int32
	err   error
}

func (f *flakySource) Fetch(_ context.Context, id, version string) (domain.Bundle, error) {
	n := f.calls.Add(1)
	if n <= f.fails {
		return domain.Bundle{}, f.err
	}
	return domain.Bundle{Files: []domain.BundleFile{{Path: id + "-" + version}}}, nil
}

func fastConfig() ReliableConfig {
	cfg := DefaultReliableConfig()
	cfg.Rate = 1000
	cfg.Burst = 100
	return cfg
}

func TestReliableRetriesTransientErrors(t *testing.T) {
	next := &flakySource{fails: 2, err: &ThrottleError{RetryAfter: 5 * time.Millisecond, Cause: errors.New("slow down")}}
	r := NewReliable(next, fastConfig(), zap.NewNop())

	b, err := r.Fetch(context.Background(), "csv", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"csv-1.0.0"}, paths(b))
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestReliableDoesNotRetryPermanentErrors(t *testing.T) {
	next := &flakySource{fails: 100, err: domain.ErrNotFound}
	r := NewReliable(next, fastConfig(), zap.NewNop())

	for i := 0; i < 10; i++ {
		_, err := r.Fetch(context.Background(), "csv", "1.0.0")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	// Ни повторов, ни открытого предохранителя.
	assert.Equal(t, int32(10), next.calls.Load())
}

func TestReliableBreakerOpens(t *testing.T) {
	next := &flakySource{fails: 100, err: &ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("down")}}
	cfg := fastConfig()
	cfg.Attempts = 1
	r := NewReliable(next, cfg, zap.NewNop())

	var last error
	for i := 0; i < 8; i++ {
		_, last = r.Fetch(context.Background(), "csv", "1.0.0")
	}
	assert.Contains(t, last.Error(), "circuit breaker is open")
	assert.Equal(t, int32(6), next.calls.Load())
}
