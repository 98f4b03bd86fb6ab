package model

import (
	"encoding/json"
	"time"
)

type Conversation struct {
	ID                 string             `db:"id" json:"id"`
	UID                string             `db:"uid" json:"uid"`
	Status             ConversationStatus `db:"status" json:"status"`
	Source             string             `db:"source" json:"source"`
	Language           string             `db:"language" json:"language"`
	StartedAt          time.Time          `db:"started_at" json:"started_at"`
	FinishedAt         time.Time          `db:"finished_at" json:"finished_at"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	TranscriptSegments TranscriptSegments `db:"transcript_segments" json:"transcript_segments"`
	Photos             Photos             `db:"photos" json:"photos"`
	AudioFiles         AudioFiles         `db:"audio_files" json:"audio_files"`
	Geolocation        *Geolocation       `db:"geolocation" json:"geolocation,omitempty"`
	Structured         json.RawMessage    `db:"structured" json:"structured"`
	PluginsResults     json.RawMessage    `db:"plugins_results" json:"plugins_results"`
	Visibility         string             `db:"visibility" json:"visibility"`
	Discarded          bool               `db:"discarded" json:"discarded"`
	Deleted            bool               `db:"deleted" json:"deleted"`
}

type CreateConversationParams struct {
	ID         string
	UID        string
	Source     string
	Language   string
	StartedAt  time.Time
	FinishedAt time.Time
	Segments   []TranscriptSegment
}

type ConversationPhoto struct {
	ID          string    `json:"id"`
	Base64      string    `json:"base64"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type AudioFile struct {
	ID              string    `json:"id"`
	UID             string    `json:"uid"`
	ConversationID  string    `json:"conversation_id"`
	Provider        string    `json:"provider"`
	ChunkTimestamps []float64 `json:"chunk_timestamps"`
	StartedAt       time.Time `json:"started_at"`
	Duration        float64   `json:"duration"`
}

type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// ConversationEvent is pushed to the user's listening sockets and SSE streams.
type ConversationEvent struct {
	Type           ConversationEventType `json:"type"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Status         ConversationStatus    `json:"status,omitempty"`
	Memory         *Conversation         `json:"memory,omitempty"`
	Messages       []string              `json:"messages,omitempty"`
}
