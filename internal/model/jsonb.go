package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type TranscriptSegments []TranscriptSegment

func (s TranscriptSegments) Value() (driver.Value, error) {
	return marshalList(s)
}

func (s *TranscriptSegments) Scan(src any) error {
	return scanJSON(src, s)
}

type Photos []ConversationPhoto

func (p Photos) Value() (driver.Value, error) {
	return marshalList(p)
}

func (p *Photos) Scan(src any) error {
	return scanJSON(src, p)
}

type AudioFiles []AudioFile

func (a AudioFiles) Value() (driver.Value, error) {
	return marshalList(a)
}

func (a *AudioFiles) Scan(src any) error {
	return scanJSON(src, a)
}

func (g Geolocation) Value() (driver.Value, error) {
	return json.Marshal(g)
}

func (g *Geolocation) Scan(src any) error {
	return scanJSON(src, g)
}

func marshalList[T any](list []T) (driver.Value, error) {
	if list == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(list)
}

func scanJSON(src any, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
}
