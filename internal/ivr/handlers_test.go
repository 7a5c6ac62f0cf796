package ivr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/attendant/internal/directory"
	"github.com/flowpbx/attendant/internal/metrics"
	"github.com/flowpbx/attendant/internal/voicemail"
)

type fakeDeliverer struct {
	calls []voicemail.Request
	err   error
}

func (f *fakeDeliverer) Deliver(_ context.Context, req voicemail.Request) error {
	f.calls = append(f.calls, req)
	return f.err
}

func testDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	dir, err := directory.New([]directory.Entry{
		{Digits: "1", Name: "Sales Department", Kind: directory.KindDialExternal, Target: "+15551234567"},
		{Digits: "2", Name: "Support Voicemail", Kind: directory.KindVoicemail, VoicemailDir: "support", RecipientEmail: "support@example.com"},
		{Digits: "31", Name: "Office Hours", Kind: directory.KindInfoMessage, Message: "We are open nine to five, Monday through Friday."},
	})
	if err != nil {
		t.Fatalf("directory.New() error: %v", err)
	}
	return dir
}

func newTestServer(t *testing.T, deliver Deliverer) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := metrics.New(prometheus.NewRegistry())
	s := NewServer(testDirectory(t), deliver, m, nil, logger)
	t.Cleanup(s.Stop)
	return s
}

func postForm(t *testing.T, s *Server, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.50:40000"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestIncomingCallGreeting(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	rec := postForm(t, s, greetPath, url.Values{"From": {"+15550001111"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"Welcome to our company&#39;s automated directory.",
		"Press 1 for Sales Department.",
		"Press 2 for Support Voicemail.",
		"Press 31 for Office Hours.",
		`numDigits="2"`,
		`action="` + selectPath + `"`,
		"<Redirect>" + greetPath + "</Redirect>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("greeting missing %q in:\n%s", want, body)
		}
	}

	// Menu entries appear in directory order inside the Gather prompt.
	if strings.Index(body, "Sales Department") > strings.Index(body, "Support Voicemail") {
		t.Error("menu entries out of directory order")
	}
}

func TestIncomingCallIdempotent(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	first := postForm(t, s, greetPath, url.Values{"From": {"+15550001111"}})
	second := postForm(t, s, greetPath, url.Values{"From": {"+15550002222"}})
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("greeting responses differ between identical calls")
	}
}

func TestIncomingCallAcceptsGet(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	req := httptest.NewRequest(http.MethodGet, greetPath, nil)
	req.RemoteAddr = "203.0.113.50:40000"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Gather") {
		t.Error("GET greeting missing Gather verb")
	}
}

func TestSelectionUnknownDigits(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	rec := postForm(t, s, selectPath, url.Values{"Digits": {"99"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "Sorry, that was not a valid option.") {
		t.Errorf("missing invalid-option prompt in:\n%s", body)
	}
	if !strings.Contains(body, "<Redirect>"+greetPath+"</Redirect>") {
		t.Errorf("missing redirect back to greeting in:\n%s", body)
	}
}

func TestSelectionDialExternal(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	rec := postForm(t, s, selectPath, url.Values{"Digits": {"1"}})
	body := rec.Body.String()

	if !strings.Contains(body, "Connecting you to the Sales Department. Please wait.") {
		t.Errorf("missing connect prompt in:\n%s", body)
	}
	if got := strings.Count(body, "<Dial>"); got != 1 {
		t.Errorf("found %d Dial verbs, want 1", got)
	}
	if !strings.Contains(body, "<Dial>+15551234567</Dial>") {
		t.Errorf("missing dial target in:\n%s", body)
	}
}

func TestSelectionVoicemail(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	rec := postForm(t, s, selectPath, url.Values{"Digits": {"2"}})
	body := rec.Body.String()

	if !strings.Contains(body, "You&#39;ve selected Support Voicemail. Please leave your message after the tone.") {
		t.Errorf("missing voicemail prompt in:\n%s", body)
	}
	if got := strings.Count(body, "<Record"); got != 1 {
		t.Errorf("found %d Record verbs, want 1", got)
	}
	// The callback action carries the selected digits in the path.
	if !strings.Contains(body, recordPath+"/2?caller_ip=") {
		t.Errorf("record action does not encode extension digits in:\n%s", body)
	}
	if !strings.Contains(body, `maxLength="30"`) {
		t.Errorf("missing recording length cap in:\n%s", body)
	}
	if !strings.Contains(body, "No message recorded. Goodbye.") {
		t.Errorf("missing no-message fallback in:\n%s", body)
	}
}

func TestSelectionInfoMessage(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	rec := postForm(t, s, selectPath, url.Values{"Digits": {"31"}})
	body := rec.Body.String()

	if !strings.Contains(body, "We are open nine to five, Monday through Friday.") {
		t.Errorf("missing info message in:\n%s", body)
	}
	if !strings.Contains(body, "Thank you for calling. Goodbye.") {
		t.Errorf("missing closing prompt in:\n%s", body)
	}
	if !strings.Contains(body, "<Hangup></Hangup>") {
		t.Errorf("missing hangup in:\n%s", body)
	}
}

func TestRecordingCallbackDelivers(t *testing.T) {
	deliver := &fakeDeliverer{}
	s := newTestServer(t, deliver)

	rec := postForm(t, s, recordPath+"/2?caller_ip=198.51.100.7", url.Values{
		"RecordingUrl": {"https://api.example.com/recordings/RE123.mp3"},
		"CallSid":      {"CA777"},
		"From":         {"+15550001111"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if len(deliver.calls) != 1 {
		t.Fatalf("deliverer called %d times, want 1", len(deliver.calls))
	}
	got := deliver.calls[0]
	if got.RecordingURL != "https://api.example.com/recordings/RE123.mp3" {
		t.Errorf("RecordingURL = %q", got.RecordingURL)
	}
	if got.CallID != "CA777" {
		t.Errorf("CallID = %q, want CA777", got.CallID)
	}
	if got.CallerNumber != "+15550001111" {
		t.Errorf("CallerNumber = %q", got.CallerNumber)
	}
	if got.CallerIP != "198.51.100.7" {
		t.Errorf("CallerIP = %q, want the value carried in the callback URL", got.CallerIP)
	}
	if got.Entry.Digits != "2" || got.Entry.Kind != directory.KindVoicemail {
		t.Errorf("unexpected entry: %+v", got.Entry)
	}

	if !strings.Contains(rec.Body.String(), "Thank you for your message. Goodbye.") {
		t.Errorf("missing goodbye in:\n%s", rec.Body.String())
	}
}

func TestRecordingCallbackGeneratesCallID(t *testing.T) {
	deliver := &fakeDeliverer{}
	s := newTestServer(t, deliver)

	postForm(t, s, recordPath+"/2", url.Values{
		"RecordingUrl": {"https://api.example.com/recordings/RE9.wav"},
		"From":         {"+15550001111"},
	})

	if len(deliver.calls) != 1 {
		t.Fatalf("deliverer called %d times, want 1", len(deliver.calls))
	}
	if deliver.calls[0].CallID == "" {
		t.Error("expected a generated call ID when the provider sends none")
	}
}

func TestRecordingCallbackNoURL(t *testing.T) {
	deliver := &fakeDeliverer{}
	s := newTestServer(t, deliver)

	rec := postForm(t, s, recordPath+"/2", url.Values{
		"CallSid": {"CA1"},
		"From":    {"+15550001111"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(deliver.calls) != 0 {
		t.Errorf("deliverer called %d times, want 0", len(deliver.calls))
	}

	body := rec.Body.String()
	if !strings.Contains(body, "Sorry, there was an issue recording your message. Goodbye.") {
		t.Errorf("missing recording-issue prompt in:\n%s", body)
	}
	if !strings.Contains(body, "<Hangup></Hangup>") {
		t.Errorf("missing hangup in:\n%s", body)
	}
}

func TestRecordingCallbackInvalidExtension(t *testing.T) {
	deliver := &fakeDeliverer{}
	s := newTestServer(t, deliver)

	for _, ext := range []string{"99", "1"} { // unknown, and known-but-not-voicemail
		rec := postForm(t, s, recordPath+"/"+ext, url.Values{
			"RecordingUrl": {"https://api.example.com/recordings/RE1.wav"},
			"CallSid":      {"CA1"},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("ext %s: status = %d, want 200", ext, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Sorry, there was an internal error. Goodbye.") {
			t.Errorf("ext %s: missing internal-error prompt in:\n%s", ext, rec.Body.String())
		}
	}
	if len(deliver.calls) != 0 {
		t.Errorf("deliverer called %d times, want 0", len(deliver.calls))
	}
}

func TestRecordingCallbackDownloadFailureApology(t *testing.T) {
	deliver := &fakeDeliverer{err: fmt.Errorf("%w: status 404", voicemail.ErrDownload)}
	s := newTestServer(t, deliver)

	rec := postForm(t, s, recordPath+"/2", url.Values{
		"RecordingUrl": {"https://api.example.com/recordings/RE1.wav"},
		"CallSid":      {"CA1"},
	})
	body := rec.Body.String()
	if !strings.Contains(body, "We encountered an error downloading your message. Goodbye.") {
		t.Errorf("missing download apology in:\n%s", body)
	}
	if !strings.Contains(body, "Thank you for your message. Goodbye.") {
		t.Errorf("missing goodbye in:\n%s", body)
	}
}

func TestRecordingCallbackEmailFailureNoApology(t *testing.T) {
	deliver := &fakeDeliverer{err: fmt.Errorf("sending notification: smtp auth failed")}
	s := newTestServer(t, deliver)

	rec := postForm(t, s, recordPath+"/2", url.Values{
		"RecordingUrl": {"https://api.example.com/recordings/RE1.wav"},
		"CallSid":      {"CA1"},
	})
	body := rec.Body.String()
	if strings.Contains(body, "We encountered an error downloading your message.") {
		t.Errorf("email failure must not produce the download apology:\n%s", body)
	}
	if !strings.Contains(body, "Thank you for your message. Goodbye.") {
		t.Errorf("missing goodbye in:\n%s", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeDeliverer{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected health body: %s", rec.Body.String())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"cloudflare header wins", "10.0.0.1:1234", map[string]string{"CF-Connecting-IP": "198.51.100.1", "X-Forwarded-For": "192.0.2.1"}, "198.51.100.1"},
		{"forwarded-for first hop", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "192.0.2.1, 10.0.0.2"}, "192.0.2.1"},
		{"remote addr fallback", "203.0.113.9:5060", nil, "203.0.113.9"},
		{"remote addr without port", "203.0.113.9", nil, "203.0.113.9"},
		{"nothing known", "", nil, "Unknown IP"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.RemoteAddr = tc.remoteAddr
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if got := clientIP(r); got != tc.want {
				t.Errorf("clientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}
