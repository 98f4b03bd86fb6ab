package model

import (
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// SegmentMergeGap is the largest gap in seconds between two same-speaker
// segments that are still joined into one.
const SegmentMergeGap = 2.0

type TranscriptSegment struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	Speaker      string        `json:"speaker"`
	IsUser       bool          `json:"is_user"`
	PersonID     *string       `json:"person_id"`
	Start        float64       `json:"start"`
	End          float64       `json:"end"`
	Language     string        `json:"language,omitempty"`
	Translations []Translation `json:"translations,omitempty"`
}

type Translation struct {
	Lang string `json:"lang"`
	Text string `json:"text"`
}

// SpeakerID returns the numeric suffix of a SPEAKER_NN label, or 0.
func (s TranscriptSegment) SpeakerID() int {
	idx := strings.LastIndex(s.Speaker, "_")
	if idx < 0 {
		return 0
	}
	n := 0
	for _, c := range s.Speaker[idx+1:] {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// SortSegments orders segments by start time, keeping arrival order for ties.
func SortSegments(segments []TranscriptSegment) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
}

// MergeAdjacent joins consecutive segments from the same speaker whose gap is
// under SegmentMergeGap. The input must already be sorted.
func MergeAdjacent(segments []TranscriptSegment) []TranscriptSegment {
	if len(segments) == 0 {
		return segments
	}

	merged := make([]TranscriptSegment, 0, len(segments))
	merged = append(merged, segments[0])
	for _, curr := range segments[1:] {
		prev := &merged[len(merged)-1]
		if prev.Speaker == curr.Speaker &&
			prev.IsUser == curr.IsUser &&
			math.Abs(curr.Start-prev.End) < SegmentMergeGap {
			prev.Text = joinText(prev.Text, curr.Text)
			if curr.End > prev.End {
				prev.End = curr.End
			}
			continue
		}
		merged = append(merged, curr)
	}
	return merged
}

// CombineSegments appends incoming to existing, sorts, merges and assigns ids
// to segments that do not have one yet.
func CombineSegments(existing, incoming []TranscriptSegment) []TranscriptSegment {
	all := make([]TranscriptSegment, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)

	SortSegments(all)
	all = MergeAdjacent(all)

	for i := range all {
		if all[i].ID == "" {
			all[i].ID = uuid.NewString()
		}
	}
	return all
}

// ShiftSegments moves every segment by delta seconds, clamping at zero.
func ShiftSegments(segments []TranscriptSegment, delta float64) {
	for i := range segments {
		segments[i].Start = math.Max(0, segments[i].Start+delta)
		segments[i].End = math.Max(segments[i].Start, segments[i].End+delta)
	}
}

func joinText(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
