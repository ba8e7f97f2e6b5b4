package models

import "time"

// Sender tags who authored a transcript turn.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one turn of the transcript. Bot turns are rewritten in place
// while a reply is streaming; user turns never change after creation.
type Message struct {
	ID        int64     `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
