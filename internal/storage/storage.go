// Package storage keeps private-cloud audio chunks and speech profiles in an
// S3-compatible object store.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/omi/listen-server/internal/model"
)

const (
	chunkPrefix   = "chunks"
	profilePrefix = "speech_profiles"

	extPlain     = ".bin"
	extEncrypted = ".enc"

	providerName = "s3"
)

// ObjectAPI is the part of *s3.Client the store uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

type Store struct {
	api    ObjectAPI
	bucket string
	// ChunkDuration is the nominal length of one chunk; gaps longer than it
	// start a new audio file.
	ChunkDuration time.Duration
}

func New(api ObjectAPI, bucket string, chunkDuration time.Duration) *Store {
	return &Store{api: api, bucket: bucket, ChunkDuration: chunkDuration}
}

// NewS3 builds a store from the default AWS credential chain.
func NewS3(ctx context.Context, bucket, region string, chunkDuration time.Duration) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), bucket, chunkDuration), nil
}

// ChunkKey names a chunk blob by user, conversation and start time.
func ChunkKey(uid, conversationID string, timestamp float64, encrypted bool) string {
	ext := extPlain
	if encrypted {
		ext = extEncrypted
	}
	return fmt.Sprintf("%s/%s/%s/%.3f%s", chunkPrefix, uid, conversationID, timestamp, ext)
}

func conversationPrefix(uid, conversationID string) string {
	return fmt.Sprintf("%s/%s/%s/", chunkPrefix, uid, conversationID)
}

func (s *Store) PutChunk(ctx context.Context, uid, conversationID string, timestamp float64, data []byte, encrypted bool) error {
	contentType := "audio/L16; rate=16000; channels=1"
	if encrypted {
		contentType = "application/octet-stream"
	}
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(ChunkKey(uid, conversationID, timestamp, encrypted)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put chunk: %w", err)
	}
	return nil
}

type Chunk struct {
	Key       string
	Timestamp float64
	Size      int64
	Encrypted bool
}

// ListChunks returns a conversation's chunks ordered by timestamp.
func (s *Store) ListChunks(ctx context.Context, uid, conversationID string) ([]Chunk, error) {
	prefix := conversationPrefix(uid, conversationID)
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var chunks []Chunk
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list chunks: %w", err)
		}
		for _, obj := range page.Contents {
			chunk, ok := parseChunkKey(aws.ToString(obj.Key), prefix)
			if !ok {
				continue
			}
			chunk.Size = aws.ToInt64(obj.Size)
			chunks = append(chunks, chunk)
		}
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Timestamp < chunks[j].Timestamp })
	return chunks, nil
}

func parseChunkKey(key, prefix string) (Chunk, bool) {
	name := strings.TrimPrefix(key, prefix)
	encrypted := strings.HasSuffix(name, extEncrypted)
	name = strings.TrimSuffix(strings.TrimSuffix(name, extEncrypted), extPlain)
	ts, err := strconv.ParseFloat(name, 64)
	if err != nil {
		return Chunk{}, false
	}
	return Chunk{Key: key, Timestamp: ts, Encrypted: encrypted}, true
}

// AudioFiles rebuilds the audio_files metadata from the stored chunks.
// Consecutive chunks no further apart than one chunk duration (plus slack)
// belong to the same file.
func (s *Store) AudioFiles(ctx context.Context, uid, conversationID string) ([]model.AudioFile, error) {
	chunks, err := s.ListChunks(ctx, uid, conversationID)
	if err != nil {
		return nil, err
	}
	return GroupAudioFiles(uid, conversationID, chunks, s.ChunkDuration), nil
}

func GroupAudioFiles(uid, conversationID string, chunks []Chunk, chunkDuration time.Duration) []model.AudioFile {
	step := chunkDuration.Seconds()
	maxGap := step * 1.5

	var files []model.AudioFile
	for _, c := range chunks {
		n := len(files)
		if n > 0 {
			last := files[n-1].ChunkTimestamps[len(files[n-1].ChunkTimestamps)-1]
			if c.Timestamp-last <= maxGap {
				files[n-1].ChunkTimestamps = append(files[n-1].ChunkTimestamps, c.Timestamp)
				files[n-1].Duration = c.Timestamp - files[n-1].ChunkTimestamps[0] + step
				continue
			}
		}
		sec, frac := math.Modf(c.Timestamp)
		files = append(files, model.AudioFile{
			ID:              uuid.NewString(),
			UID:             uid,
			ConversationID:  conversationID,
			Provider:        providerName,
			ChunkTimestamps: []float64{c.Timestamp},
			StartedAt:       time.Unix(int64(sec), int64(frac*1e9)).UTC(),
			Duration:        step,
		})
	}
	return files
}

func profileKey(uid string) string {
	return fmt.Sprintf("%s/%s.pcm", profilePrefix, uid)
}

// GetSpeechProfile returns the user's 16 kHz PCM16 profile audio, or nil
// when none is stored.
func (s *Store) GetSpeechProfile(ctx context.Context, uid string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(profileKey(uid)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("get speech profile: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech profile: %w", err)
	}
	return data, nil
}
