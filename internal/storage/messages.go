package storage

import (
	"context"
	"fmt"
	"time"
)

// Message is one logged voicemail delivery.
type Message struct {
	ID              int64
	ExtensionDigits string
	ExtensionName   string
	CallerNumber    string
	CallerIP        string
	CallID          string
	RecordingURL    string
	FilePath        string
	CreatedAt       time.Time
}

// MessageRepository records and queries voicemail message metadata.
type MessageRepository interface {
	Create(ctx context.Context, msg *Message) error
	ListByExtension(ctx context.Context, digits string) ([]Message, error)
	CountAll(ctx context.Context) (int64, error)
}

// messageRepo implements MessageRepository.
type messageRepo struct {
	db *DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) MessageRepository {
	return &messageRepo{db: db}
}

// Create inserts a new voicemail message record.
func (r *messageRepo) Create(ctx context.Context, msg *Message) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO voicemail_messages (extension_digits, extension_name, caller_number,
		 caller_ip, call_id, recording_url, file_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		msg.ExtensionDigits, msg.ExtensionName, msg.CallerNumber,
		msg.CallerIP, msg.CallID, msg.RecordingURL, msg.FilePath,
	)
	if err != nil {
		return fmt.Errorf("inserting voicemail message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// ListByExtension returns all logged messages for an extension, newest first.
func (r *messageRepo) ListByExtension(ctx context.Context, digits string) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, extension_digits, extension_name, caller_number, caller_ip,
		 call_id, recording_url, file_path, created_at
		 FROM voicemail_messages WHERE extension_digits = ? ORDER BY created_at DESC`, digits,
	)
	if err != nil {
		return nil, fmt.Errorf("querying voicemail messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ExtensionDigits, &m.ExtensionName, &m.CallerNumber,
			&m.CallerIP, &m.CallID, &m.RecordingURL, &m.FilePath, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning voicemail message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountAll returns the total number of logged messages.
func (r *messageRepo) CountAll(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voicemail_messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting voicemail messages: %w", err)
	}
	return count, nil
}
