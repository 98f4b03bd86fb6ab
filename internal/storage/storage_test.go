package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memObjects is an in-memory ObjectAPI returning one key per list page.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[aws.ToString(in.Key)] = data
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *memObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	data, ok := m.objects[aws.ToString(in.Key)]
	m.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memObjects) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	out := &s3.ListObjectsV2Output{}
	if start < len(keys) {
		out.Contents = []types.Object{{Key: aws.String(keys[start]), Size: aws.Int64(int64(len(m.objects[keys[start]])))}}
	}
	if start+1 < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[start+1])
	}
	return out, nil
}

func TestChunkRoundTrip(t *testing.T) {
	ctx := context.Background()
	api := newMemObjects()
	store := New(api, "bucket", 5*time.Second)

	base := 1700000000.0
	for _, ts := range []float64{base + 10, base, base + 5, base + 30} {
		require.NoError(t, store.PutChunk(ctx, "uid-1", "conv-1", ts, []byte{1, 2, 3, 4}, false))
	}
	require.NoError(t, store.PutChunk(ctx, "uid-1", "conv-2", base, []byte{1}, true))

	chunks, err := store.ListChunks(ctx, "uid-1", "conv-1")
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	assert.Equal(t, base, chunks[0].Timestamp)
	assert.Equal(t, base+30, chunks[3].Timestamp)
	assert.Equal(t, int64(4), chunks[0].Size)

	files, err := store.AudioFiles(ctx, "uid-1", "conv-1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, []float64{base, base + 5, base + 10}, files[0].ChunkTimestamps)
	assert.Equal(t, 15.0, files[0].Duration)
	assert.Equal(t, time.Unix(int64(base), 0).UTC(), files[0].StartedAt)
	assert.Equal(t, []float64{base + 30}, files[1].ChunkTimestamps)
	assert.Equal(t, "s3", files[1].Provider)

	enc, err := store.ListChunks(ctx, "uid-1", "conv-2")
	require.NoError(t, err)
	require.Len(t, enc, 1)
	assert.True(t, enc[0].Encrypted)
}

func TestChunkKey(t *testing.T) {
	assert.Equal(t, "chunks/u/c/1700000000.500.bin", ChunkKey("u", "c", 1700000000.5, false))
	assert.Equal(t, "chunks/u/c/1.000.enc", ChunkKey("u", "c", 1, true))
}

func TestSpeechProfile(t *testing.T) {
	ctx := context.Background()
	api := newMemObjects()
	store := New(api, "bucket", 5*time.Second)

	profile, err := store.GetSpeechProfile(ctx, "uid-1")
	require.NoError(t, err)
	assert.Nil(t, profile)

	api.objects[profileKey("uid-1")] = []byte{9, 9}
	profile, err = store.GetSpeechProfile(ctx, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, profile)
}
