package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SMTPConfig holds the SMTP server configuration for voicemail notifications.
type SMTPConfig struct {
	Host     string // SMTP server hostname
	Port     string // SMTP port (25, 587, 465)
	From     string // From email address
	Username string // SMTP auth username
	Password string // SMTP auth password
	TLS      string // "none", "starttls", "tls"
}

// Valid returns true if the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// VoicemailNotification describes a saved voicemail for email notification.
type VoicemailNotification struct {
	To            string // recipient email address
	ExtensionName string // display name of the selected extension
	CallerNumber  string
	CallerIP      string // network address the webhook reported for the caller
	RecordingURL  string // provider URL the audio was downloaded from
	AudioFile     string // path to the saved recording on disk
}

// Sender sends voicemail notification emails via SMTP.
type Sender struct {
	logger *slog.Logger
	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// smtpClient abstracts the methods used from *smtp.Client for testing.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// NewSender creates a new email Sender.
func NewSender(logger *slog.Logger) *Sender {
	return &Sender{
		logger:   logger.With("component", "email"),
		dialFunc: defaultDial,
	}
}

// SendVoicemailNotification sends an email for a newly saved voicemail
// with the recording attached.
func (s *Sender) SendVoicemailNotification(ctx context.Context, cfg SMTPConfig, notif VoicemailNotification) error {
	if !cfg.Valid() {
		return fmt.Errorf("smtp not configured")
	}
	if notif.To == "" {
		return fmt.Errorf("no recipient email address")
	}

	msg, err := buildMessage(cfg, notif)
	if err != nil {
		return fmt.Errorf("building email message: %w", err)
	}

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	client, err := s.dialFunc(addr, tlsConfig, cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}

	// STARTTLS upgrade if requested and supported.
	if strings.EqualFold(cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	// Authenticate if credentials are provided.
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(notif.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	s.logger.Info("voicemail notification email sent",
		"to", notif.To,
		"extension", notif.ExtensionName,
		"caller", notif.CallerNumber,
	)

	return nil
}

// defaultDial connects to the SMTP server using either plain TCP or implicit TLS.
func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	if strings.EqualFold(tlsMode, "tls") {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

// buildMessage constructs the full MIME email message bytes: a plain-text
// part naming the extension and caller, plus the recording attachment.
func buildMessage(cfg SMTPConfig, notif VoicemailNotification) ([]byte, error) {
	var buf bytes.Buffer

	subject := fmt.Sprintf("New Voicemail for %s from %s", notif.ExtensionName, notif.CallerNumber)
	body := fmt.Sprintf(
		"Hello,\n\n"+
			"You have a new voicemail for the %s extension.\n\n"+
			"Caller Number: %s\n"+
			"Source IP: %s\n"+
			"Recording URL: %s\n\n"+
			"The audio file is attached to this email.\n",
		notif.ExtensionName,
		notif.CallerNumber,
		notif.CallerIP,
		notif.RecordingURL,
	)

	writer := multipart.NewWriter(&buf)

	// Write headers before the multipart body.
	fmt.Fprintf(&buf, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", notif.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n", writer.Boundary())
	fmt.Fprintf(&buf, "\r\n")

	// Text part.
	textHeader := make(textproto.MIMEHeader)
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textPart, err := writer.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := textPart.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}

	// Audio attachment. The content type is fixed to audio/wav regardless
	// of the file extension the provider URL carried.
	audioData, err := os.ReadFile(notif.AudioFile)
	if err != nil {
		return nil, fmt.Errorf("reading audio file %q: %w", notif.AudioFile, err)
	}

	filename := filepath.Base(notif.AudioFile)
	attachHeader := make(textproto.MIMEHeader)
	attachHeader.Set("Content-Type", "audio/wav; name=\""+filename+"\"")
	attachHeader.Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	attachHeader.Set("Content-Transfer-Encoding", "base64")

	attachPart, err := writer.CreatePart(attachHeader)
	if err != nil {
		return nil, fmt.Errorf("creating attachment part: %w", err)
	}

	encoder := base64.NewEncoder(base64.StdEncoding, attachPart)
	if _, err := encoder.Write(audioData); err != nil {
		return nil, fmt.Errorf("encoding audio attachment: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing base64 encoder: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	return buf.Bytes(), nil
}
