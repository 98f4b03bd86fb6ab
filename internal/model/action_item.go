package model

import (
	"bytes"
	"encoding/json"
	"time"
)

type ActionItem struct {
	ID             string     `db:"id" json:"id"`
	UID            string     `db:"uid" json:"uid"`
	Description    string     `db:"description" json:"description"`
	Completed      bool       `db:"completed" json:"completed"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	DueAt          *time.Time `db:"due_at" json:"due_at"`
	ConversationID *string    `db:"conversation_id" json:"conversation_id"`
	IsLocked       bool       `db:"is_locked" json:"is_locked"`
	Exported       bool       `db:"exported" json:"exported"`
	ExportDate     *time.Time `db:"export_date" json:"export_date"`
	ExportPlatform *string    `db:"export_platform" json:"export_platform"`
	SharedFrom     *string    `db:"shared_from" json:"shared_from"`
}

// NullableTime distinguishes an absent field from an explicit null.
type NullableTime struct {
	Set   bool
	Value *time.Time
}

func (n *NullableTime) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(data, []byte("null")) {
		n.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	n.Value = &t
	return nil
}

type ActionItemUpdate struct {
	Description *string      `json:"description"`
	Completed   *bool        `json:"completed"`
	DueAt       NullableTime `json:"due_at"`
}

// ApplyUpdate mutates the item. Completing stamps completed_at, reopening
// clears it, and an explicit null due_at clears the due date.
func (a *ActionItem) ApplyUpdate(u ActionItemUpdate, now time.Time) {
	if u.Description != nil {
		a.Description = *u.Description
	}
	if u.Completed != nil {
		a.Completed = *u.Completed
		if a.Completed {
			t := now
			a.CompletedAt = &t
		} else {
			a.CompletedAt = nil
		}
	}
	if u.DueAt.Set {
		a.DueAt = u.DueAt.Value
	}
	a.UpdatedAt = now
}
