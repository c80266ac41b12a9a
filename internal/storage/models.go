package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"signalrelay/internal/message"
)

// SignalRow is one relayed message as stored in processed_signals.
type SignalRow struct {
	MessageID       string
	Author          string
	Content         string
	RawTimestamp    string
	SourceServer    string
	SourceChannel   string
	Attachments     []message.Attachment
	Embeds          []message.Embed
	ObservedAt      time.Time
	Ticker          string
	Entry           string
	Expiry          string
	Strike          string
	EntryPrice      decimal.NullDecimal
	RenderedContent string
	DeliveryStatus  message.Status
	DeliveryDetail  *string
	DeliveredAt     *time.Time
	CreatedAt       time.Time
}

// RowFromSignal flattens a canonical signal into a row.
func RowFromSignal(sig message.CanonicalSignal) SignalRow {
	status := sig.Status
	if status == "" {
		status = message.StatusPending
	}
	return SignalRow{
		MessageID:       sig.ID,
		Author:          sig.Record.Author,
		Content:         sig.Record.Content,
		RawTimestamp:    sig.Record.RawTimestamp,
		SourceServer:    sig.Record.SourceServer,
		SourceChannel:   sig.Record.SourceChannel,
		Attachments:     sig.Record.Attachments,
		Embeds:          sig.Record.Embeds,
		ObservedAt:      sig.Record.ObservedAt,
		Ticker:          sig.Field(message.FieldTicker),
		Entry:           sig.Field(message.FieldEntry),
		Expiry:          sig.Field(message.FieldExpiry),
		Strike:          sig.Field(message.FieldStrike),
		EntryPrice:      sig.EntryPrice,
		RenderedContent: sig.RenderedContent,
		DeliveryStatus:  status,
	}
}

// Record returns the processed record the row was built from.
func (r SignalRow) Record() message.ProcessedRecord {
	return message.ProcessedRecord{
		ID:            r.MessageID,
		Content:       r.Content,
		Author:        r.Author,
		RawTimestamp:  r.RawTimestamp,
		Attachments:   r.Attachments,
		Embeds:        r.Embeds,
		ObservedAt:    r.ObservedAt,
		SourceServer:  r.SourceServer,
		SourceChannel: r.SourceChannel,
	}
}
