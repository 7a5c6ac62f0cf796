// Package directory holds the extension table that drives the voice menu.
// The table is loaded once at startup from a JSON file and is read-only
// for the process lifetime.
package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Kind identifies what a menu selection does.
type Kind string

const (
	// KindDialExternal forwards the call to an external number.
	KindDialExternal Kind = "dial_external"
	// KindVoicemail records a message and delivers it by email.
	KindVoicemail Kind = "voicemail"
	// KindInfoMessage speaks a fixed announcement and hangs up.
	KindInfoMessage Kind = "info_message"
)

// Entry is a single extension in the menu. Exactly the fields for its
// Kind are populated: Target for dial_external, VoicemailDir and
// RecipientEmail for voicemail, Message for info_message.
type Entry struct {
	Digits         string `json:"digits"`
	Name           string `json:"name"`
	Kind           Kind   `json:"kind"`
	Target         string `json:"target,omitempty"`
	VoicemailDir   string `json:"voicemail_dir,omitempty"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Directory is the immutable set of extensions keyed by digits.
// Lookup is exact-match only; menu order is the file order.
type Directory struct {
	entries   []Entry
	byDigits  map[string]int
	maxDigits int
}

// New validates the entries and builds a Directory. An empty table is a
// configuration error: the greeting needs a digit count to gather, so
// this is rejected at startup rather than at request time.
func New(entries []Entry) (*Directory, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("extension directory is empty")
	}

	d := &Directory{
		entries:  entries,
		byDigits: make(map[string]int, len(entries)),
	}

	for i, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, fmt.Errorf("extension %d: %w", i, err)
		}
		if _, dup := d.byDigits[e.Digits]; dup {
			return nil, fmt.Errorf("duplicate extension digits %q", e.Digits)
		}
		d.byDigits[e.Digits] = i
		if len(e.Digits) > d.maxDigits {
			d.maxDigits = len(e.Digits)
		}
	}

	return d, nil
}

// LoadFile reads a JSON array of entries from path and builds a Directory.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading extensions file: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing extensions file %q: %w", path, err)
	}

	d, err := New(entries)
	if err != nil {
		return nil, fmt.Errorf("extensions file %q: %w", path, err)
	}
	return d, nil
}

// Lookup returns the entry for the given digits, exact match only.
func (d *Directory) Lookup(digits string) (Entry, bool) {
	i, ok := d.byDigits[digits]
	if !ok {
		return Entry{}, false
	}
	return d.entries[i], true
}

// MaxDigits returns the longest key length in the table. The greeting
// gathers exactly this many digits from the caller.
func (d *Directory) MaxDigits() int {
	return d.maxDigits
}

// Entries returns the entries in menu order. The returned slice must not
// be modified.
func (d *Directory) Entries() []Entry {
	return d.entries
}

func validateEntry(e Entry) error {
	if e.Digits == "" {
		return fmt.Errorf("digits must not be empty")
	}
	if strings.Trim(e.Digits, "0123456789*#") != "" {
		return fmt.Errorf("digits %q may only contain dial-pad characters", e.Digits)
	}
	if e.Name == "" {
		return fmt.Errorf("extension %q: name must not be empty", e.Digits)
	}

	switch e.Kind {
	case KindDialExternal:
		if e.Target == "" {
			return fmt.Errorf("extension %q: dial_external requires a target", e.Digits)
		}
		if e.VoicemailDir != "" || e.RecipientEmail != "" || e.Message != "" {
			return fmt.Errorf("extension %q: dial_external must not set voicemail or message fields", e.Digits)
		}
	case KindVoicemail:
		if e.VoicemailDir == "" {
			return fmt.Errorf("extension %q: voicemail requires a voicemail_dir", e.Digits)
		}
		if strings.Contains(e.VoicemailDir, "/") || strings.Contains(e.VoicemailDir, "..") {
			return fmt.Errorf("extension %q: voicemail_dir must be a plain directory name", e.Digits)
		}
		if e.Target != "" || e.Message != "" {
			return fmt.Errorf("extension %q: voicemail must not set target or message fields", e.Digits)
		}
	case KindInfoMessage:
		if e.Message == "" {
			return fmt.Errorf("extension %q: info_message requires a message", e.Digits)
		}
		if e.Target != "" || e.VoicemailDir != "" || e.RecipientEmail != "" {
			return fmt.Errorf("extension %q: info_message must not set target or voicemail fields", e.Digits)
		}
	default:
		return fmt.Errorf("extension %q: unknown kind %q", e.Digits, e.Kind)
	}

	return nil
}
