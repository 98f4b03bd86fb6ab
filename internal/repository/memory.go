package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/omi/listen-server/internal/model"
)

// MemoryConversations is a process-local ConversationRepository. It backs
// local development without postgres and the session tests.
type MemoryConversations struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
}

func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{convs: make(map[string]*model.Conversation)}
}

func (r *MemoryConversations) copyOf(c *model.Conversation) *model.Conversation {
	cp := *c
	cp.TranscriptSegments = append(model.TranscriptSegments(nil), c.TranscriptSegments...)
	cp.Photos = append(model.Photos(nil), c.Photos...)
	cp.AudioFiles = append(model.AudioFiles(nil), c.AudioFiles...)
	return &cp
}

func (r *MemoryConversations) get(uid, id string) *model.Conversation {
	c, ok := r.convs[id]
	if !ok || c.UID != uid || c.Deleted {
		return nil
	}
	return r.copyOf(c)
}

// Snapshot returns a copy of the stored conversation regardless of owner.
func (r *MemoryConversations) Snapshot(id string) *model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		return r.copyOf(c)
	}
	return nil
}

func (r *MemoryConversations) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.convs)
}

func (r *MemoryConversations) FindByID(_ context.Context, uid, id string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(uid, id), nil
}

func (r *MemoryConversations) FindByIDForUpdate(ctx context.Context, uid, id string) (*model.Conversation, error) {
	return r.FindByID(ctx, uid, id)
}

func (r *MemoryConversations) FindInProgress(_ context.Context, uid string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *model.Conversation
	for _, c := range r.convs {
		if c.UID != uid || c.Deleted || c.Status != model.ConversationStatusInProgress {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	return r.copyOf(latest), nil
}

func (r *MemoryConversations) list(keep func(c *model.Conversation) bool, less func(a, b *model.Conversation) bool, limit int) []model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*model.Conversation
	for _, c := range r.convs {
		if keep(c) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]model.Conversation, len(matched))
	for i, c := range matched {
		out[i] = *r.copyOf(c)
	}
	return out
}

func (r *MemoryConversations) FindStaleInProgress(_ context.Context, finishedBefore time.Time, limit int) ([]model.Conversation, error) {
	return r.list(
		func(c *model.Conversation) bool {
			return c.Status == model.ConversationStatusInProgress && c.FinishedAt.Before(finishedBefore)
		},
		func(a, b *model.Conversation) bool { return a.FinishedAt.Before(b.FinishedAt) },
		limit,
	), nil
}

func (r *MemoryConversations) FindRecent(_ context.Context, uid string, limit int) ([]model.Conversation, error) {
	return r.list(
		func(c *model.Conversation) bool { return c.UID == uid && !c.Deleted && !c.Discarded },
		func(a, b *model.Conversation) bool { return a.StartedAt.After(b.StartedAt) },
		limit,
	), nil
}

func (r *MemoryConversations) Create(_ context.Context, params model.CreateConversationParams) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &model.Conversation{
		ID:                 params.ID,
		UID:                params.UID,
		Status:             model.ConversationStatusInProgress,
		Source:             params.Source,
		Language:           params.Language,
		StartedAt:          params.StartedAt,
		FinishedAt:         params.FinishedAt,
		CreatedAt:          time.Now().UTC(),
		TranscriptSegments: params.Segments,
	}
	r.convs[c.ID] = c
	return r.copyOf(c), nil
}

func (r *MemoryConversations) update(uid, id string, fn func(c *model.Conversation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok && c.UID == uid {
		fn(c)
	}
	return nil
}

func (r *MemoryConversations) UpdateSegments(_ context.Context, uid, id string, segments []model.TranscriptSegment, finishedAt time.Time) error {
	return r.update(uid, id, func(c *model.Conversation) {
		c.TranscriptSegments = segments
		c.FinishedAt = finishedAt
	})
}

func (r *MemoryConversations) UpdateStatus(_ context.Context, uid, id string, status model.ConversationStatus) error {
	return r.update(uid, id, func(c *model.Conversation) { c.Status = status })
}

func (r *MemoryConversations) MarkDiscarded(_ context.Context, uid, id string) error {
	return r.update(uid, id, func(c *model.Conversation) {
		c.Discarded = true
		c.Status = model.ConversationStatusDiscarded
	})
}

func (r *MemoryConversations) AddPhotos(_ context.Context, uid, id string, photos []model.ConversationPhoto) error {
	return r.update(uid, id, func(c *model.Conversation) { c.Photos = append(c.Photos, photos...) })
}

func (r *MemoryConversations) UpdateAudioFiles(_ context.Context, uid, id string, files []model.AudioFile) error {
	return r.update(uid, id, func(c *model.Conversation) { c.AudioFiles = files })
}

func (r *MemoryConversations) UpdateGeolocation(_ context.Context, uid, id string, geo model.Geolocation) error {
	return r.update(uid, id, func(c *model.Conversation) { c.Geolocation = &geo })
}

// WithTx returns the repository itself; writes are applied immediately.
func (r *MemoryConversations) WithTx(_ *sqlx.Tx) ConversationRepository {
	return r
}
