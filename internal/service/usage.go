package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/omi/listen-server/internal/redis"
)

const (
	usageFieldSeconds = "transcription_seconds"
	usageFieldWords   = "words"
	usageTTL          = 40 * 24 * time.Hour
	// lowCreditFraction is the remaining share of the budget at which the
	// client is warned.
	lowCreditFraction = 0.10
)

// UsageStatus is the user's transcription usage for the current month.
type UsageStatus struct {
	Seconds   int64
	Words     int64
	Budget    int64
	Remaining int64
}

// Low reports whether less than a tenth of a finite budget remains.
func (u UsageStatus) Low() bool {
	return u.Budget > 0 && float64(u.Remaining) < float64(u.Budget)*lowCreditFraction
}

// Exhausted reports whether a finite budget is used up.
func (u UsageStatus) Exhausted() bool {
	return u.Budget > 0 && u.Remaining <= 0
}

// UsageService accumulates transcription seconds and words per user and
// calendar month. A zero budget means unlimited.
type UsageService struct {
	client *redis.Client
	budget int64
	now    func() time.Time
}

func NewUsageService(client *redis.Client, monthlySeconds int64) *UsageService {
	return &UsageService{client: client, budget: monthlySeconds, now: time.Now}
}

func (s *UsageService) key(uid string) string {
	return redis.UsageKey(uid, s.now().UTC().Format("2006-01"))
}

// Record adds usage and returns the month's totals.
func (s *UsageService) Record(ctx context.Context, uid string, seconds, words int64) (UsageStatus, error) {
	key := s.key(uid)

	pipe := s.client.TxPipeline()
	secs := pipe.HIncrBy(ctx, key, usageFieldSeconds, seconds)
	wc := pipe.HIncrBy(ctx, key, usageFieldWords, words)
	pipe.Expire(ctx, key, usageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return UsageStatus{}, fmt.Errorf("record usage for %s: %w", uid, err)
	}
	return s.status(secs.Val(), wc.Val()), nil
}

// Status reads the month's totals without changing them.
func (s *UsageService) Status(ctx context.Context, uid string) (UsageStatus, error) {
	vals, err := s.client.HMGet(ctx, s.key(uid), usageFieldSeconds, usageFieldWords).Result()
	if err != nil {
		return UsageStatus{}, fmt.Errorf("read usage for %s: %w", uid, err)
	}
	return s.status(parseCounter(vals[0]), parseCounter(vals[1])), nil
}

func (s *UsageService) status(seconds, words int64) UsageStatus {
	st := UsageStatus{Seconds: seconds, Words: words, Budget: s.budget}
	if s.budget > 0 {
		st.Remaining = s.budget - seconds
		if st.Remaining < 0 {
			st.Remaining = 0
		}
	}
	return st
}

func parseCounter(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(str, 10, 64)
	return n
}
