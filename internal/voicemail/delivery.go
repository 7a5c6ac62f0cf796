// Package voicemail downloads call recordings from the telephony provider,
// persists them under a per-extension directory, and sends the notification
// email for the extension's configured recipient.
package voicemail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowpbx/attendant/internal/directory"
	"github.com/flowpbx/attendant/internal/email"
	"github.com/flowpbx/attendant/internal/metrics"
	"github.com/flowpbx/attendant/internal/storage"
)

// downloadTimeout bounds the recording fetch so a slow provider cannot
// stall the webhook request indefinitely.
const downloadTimeout = 30 * time.Second

// ErrDownload marks failures up to and including writing the recording to
// disk. The call-flow handler speaks an apology for these; a failed email
// never changes what the caller hears.
var ErrDownload = errors.New("downloading recording")

// Request carries everything needed to deliver one recording.
type Request struct {
	RecordingURL string
	CallerNumber string
	CallerIP     string
	CallID       string
	Entry        directory.Entry
}

// Notifier sends the voicemail notification email.
type Notifier interface {
	SendVoicemailNotification(ctx context.Context, cfg email.SMTPConfig, notif email.VoicemailNotification) error
}

// Deliverer runs the download-store-notify pipeline. It is safe for
// concurrent use; directory creation is idempotent so concurrent first
// writes to a new extension directory do not race-fail.
type Deliverer struct {
	root     string // voicemail root directory
	smtp     email.SMTPConfig
	notifier Notifier
	messages storage.MessageRepository // nil when the message log is disabled
	metrics  *metrics.Metrics          // nil disables counters
	client   *http.Client
	logger   *slog.Logger
	nowFunc  func() time.Time // injectable for testing
}

// NewDeliverer creates a Deliverer storing recordings under root.
func NewDeliverer(
	root string,
	smtp email.SMTPConfig,
	notifier Notifier,
	messages storage.MessageRepository,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Deliverer {
	return &Deliverer{
		root:     root,
		smtp:     smtp,
		notifier: notifier,
		messages: messages,
		metrics:  m,
		client:   &http.Client{Timeout: downloadTimeout},
		logger:   logger.With("component", "voicemail"),
		nowFunc:  time.Now,
	}
}

// Deliver fetches the recording, writes it to disk, records it in the
// message log when enabled, and emails the extension's recipient. Any
// failure is returned to the caller for logging; failures up to the disk
// write wrap ErrDownload.
func (d *Deliverer) Deliver(ctx context.Context, req Request) error {
	targetDir := filepath.Join(d.root, req.Entry.VoicemailDir)
	if err := os.MkdirAll(targetDir, 0750); err != nil {
		d.countDeliveryFailure()
		return fmt.Errorf("%w: creating voicemail directory: %v", ErrDownload, err)
	}

	// Filename: {timestamp}_{caller without '+'}_{callId}.{ext}. A repeat
	// call within the same second with the same caller and call ID
	// overwrites; accepted as a known limitation.
	filename := fmt.Sprintf("%s_%s_%s.%s",
		d.nowFunc().Format("20060102-150405"),
		sanitizeToken(strings.ReplaceAll(req.CallerNumber, "+", "")),
		sanitizeToken(req.CallID),
		fileExtension(req.RecordingURL),
	)
	localPath := filepath.Join(targetDir, filename)

	d.logger.Info("downloading recording",
		"extension", req.Entry.Digits,
		"call_id", req.CallID,
		"url", req.RecordingURL,
		"file", localPath,
	)

	if err := d.download(ctx, req.RecordingURL, localPath); err != nil {
		d.countDeliveryFailure()
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	if d.metrics != nil {
		d.metrics.VoicemailsSavedTotal.Inc()
	}

	d.logMessage(ctx, req, localPath)

	if req.Entry.RecipientEmail == "" {
		d.logger.Warn("no recipient email configured, skipping notification",
			"extension", req.Entry.Digits,
		)
		return nil
	}

	notif := email.VoicemailNotification{
		To:            req.Entry.RecipientEmail,
		ExtensionName: req.Entry.Name,
		CallerNumber:  req.CallerNumber,
		CallerIP:      req.CallerIP,
		RecordingURL:  req.RecordingURL,
		AudioFile:     localPath,
	}
	if err := d.notifier.SendVoicemailNotification(ctx, d.smtp, notif); err != nil {
		if d.metrics != nil {
			d.metrics.EmailFailuresTotal.Inc()
		}
		return fmt.Errorf("sending notification email: %w", err)
	}
	if d.metrics != nil {
		d.metrics.EmailsSentTotal.Inc()
	}

	return nil
}

// download fetches url and writes the body verbatim to localPath.
func (d *Deliverer) download(ctx context.Context, rawURL, localPath string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("fetching recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetching recording: unexpected status %s", resp.Status)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("creating recording file: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing recording file: %w", err)
	}

	d.logger.Info("recording saved", "file", localPath, "bytes", n)
	return nil
}

// logMessage records the delivery in the message log when enabled.
// Failures are logged, not fatal — the recording on disk is the record.
func (d *Deliverer) logMessage(ctx context.Context, req Request, localPath string) {
	if d.messages == nil {
		return
	}

	msg := &storage.Message{
		ExtensionDigits: req.Entry.Digits,
		ExtensionName:   req.Entry.Name,
		CallerNumber:    req.CallerNumber,
		CallerIP:        req.CallerIP,
		CallID:          req.CallID,
		RecordingURL:    req.RecordingURL,
		FilePath:        localPath,
	}
	if err := d.messages.Create(ctx, msg); err != nil {
		d.logger.Error("failed to record voicemail in message log",
			"extension", req.Entry.Digits,
			"call_id", req.CallID,
			"error", err,
		)
		return
	}

	d.logger.Info("voicemail recorded in message log",
		"extension", req.Entry.Digits,
		"message_id", msg.ID,
	)
}

func (d *Deliverer) countDeliveryFailure() {
	if d.metrics != nil {
		d.metrics.DeliveryFailuresTotal.Inc()
	}
}

// fileExtension returns the extension of the URL's trailing path segment
// after the last '.', defaulting to wav.
func fileExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "wav"
	}
	seg := path.Base(u.Path)
	if i := strings.LastIndex(seg, "."); i >= 0 && i < len(seg)-1 {
		return seg[i+1:]
	}
	return "wav"
}

// sanitizeToken strips characters that have no business in a filename.
// Provider-supplied values end up in the path, so anything outside
// alphanumerics, '.', '-' and '_' is dropped.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return -1
	}, s)
}
