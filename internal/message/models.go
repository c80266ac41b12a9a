package message

import (
	"time"

	"github.com/shopspring/decimal"
)

// Field keys recognised in signal content.
const (
	FieldTicker = "ticker"
	FieldStrike = "strike"
	FieldExpiry = "expiry"
	FieldEntry  = "entry"
)

// FieldKeys lists the recognised keys in template order.
var FieldKeys = []string{FieldTicker, FieldEntry, FieldExpiry, FieldStrike}

// Attachment is a file attached to a chat message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Embed is a rich embed rendered under a chat message.
type Embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// RawMessage is a snapshot of one message as produced by a source.
type RawMessage struct {
	ID          string       `json:"message_id"`
	Content     string       `json:"content"`
	Author      string       `json:"author"`
	Timestamp   string       `json:"timestamp"`
	Attachments []Attachment `json:"attachments"`
	Embeds      []Embed      `json:"embeds"`
	ObservedAt  time.Time    `json:"scraped_at"`
}

// ProcessedRecord is the immutable log entry written once per accepted message.
type ProcessedRecord struct {
	ID            string       `json:"message_id"`
	Content       string       `json:"content"`
	Author        string       `json:"author"`
	RawTimestamp  string       `json:"timestamp"`
	Attachments   []Attachment `json:"attachments"`
	Embeds        []Embed      `json:"embeds"`
	ObservedAt    time.Time    `json:"scraped_at"`
	SourceServer  string       `json:"source_server"`
	SourceChannel string       `json:"source_channel"`
}

// NewProcessedRecord derives a record from a raw message and its source label.
func NewProcessedRecord(raw RawMessage, server, channel string) ProcessedRecord {
	return ProcessedRecord{
		ID:            raw.ID,
		Content:       raw.Content,
		Author:        raw.Author,
		RawTimestamp:  raw.Timestamp,
		Attachments:   append([]Attachment(nil), raw.Attachments...),
		Embeds:        append([]Embed(nil), raw.Embeds...),
		ObservedAt:    raw.ObservedAt,
		SourceServer:  server,
		SourceChannel: channel,
	}
}

// SourceLabel renders the server/channel tag.
func (r ProcessedRecord) SourceLabel() string {
	switch {
	case r.SourceServer == "":
		return r.SourceChannel
	case r.SourceChannel == "":
		return r.SourceServer
	default:
		return r.SourceServer + " > " + r.SourceChannel
	}
}

// Status tracks the delivery state of a canonical signal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// CanonicalSignal is a processed record rewritten into the destination format.
type CanonicalSignal struct {
	ID              string
	Fields          map[string]string
	EntryPrice      decimal.NullDecimal
	RenderedContent string
	Status          Status
	Record          ProcessedRecord
}

// Field returns the extracted value for key, or "" when absent.
func (s CanonicalSignal) Field(key string) string {
	return s.Fields[key]
}
