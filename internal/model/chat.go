package model

import "time"

type ChatSession struct {
	ID        string    `db:"id" json:"id"`
	UID       string    `db:"uid" json:"uid"`
	PluginID  *string   `db:"plugin_id" json:"plugin_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type ChatMessage struct {
	ID                  string              `db:"id" json:"id"`
	UID                 string              `db:"uid" json:"uid"`
	ChatSessionID       string              `db:"chat_session_id" json:"chat_session_id"`
	Text                string              `db:"text" json:"text"`
	Sender              MessageSender       `db:"sender" json:"sender"`
	DataProtectionLevel DataProtectionLevel `db:"data_protection_level" json:"data_protection_level"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
}

type CreateChatMessageParams struct {
	UID                 string
	ChatSessionID       string
	Text                string
	Sender              MessageSender
	DataProtectionLevel DataProtectionLevel
}
