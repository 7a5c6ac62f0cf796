package ivr

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowpbx/attendant/internal/directory"
	"github.com/flowpbx/attendant/internal/twiml"
	"github.com/flowpbx/attendant/internal/voicemail"
)

const (
	// gatherTimeoutSecs is how long the caller has to start entering digits
	// before the greeting repeats.
	gatherTimeoutSecs = 5

	// maxRecordingSecs caps voicemail recording length.
	maxRecordingSecs = 30
)

// handleIncomingCall speaks the extension menu and gathers the selection.
// If no digits arrive within the timeout the call redirects back here.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	from := callerNumber(r)
	s.metrics.WebhooksTotal.WithLabelValues("greet").Inc()

	s.logger.Info("incoming call",
		"from", from,
		"to", r.FormValue("To"),
		"caller_ip", clientIP(r),
	)

	var menu strings.Builder
	menu.WriteString("Welcome to our company's automated directory. ")
	for _, e := range s.dir.Entries() {
		fmt.Fprintf(&menu, "Press %s for %s. ", e.Digits, e.Name)
	}

	vr := twiml.New()
	g := vr.Gather(s.dir.MaxDigits(), selectPath, gatherTimeoutSecs)
	g.Say(menu.String())
	vr.Redirect(greetPath)

	s.writeTwiML(w, vr)
}

// handleSelection dispatches the digits the caller entered.
func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	digits := r.FormValue("Digits")
	from := callerNumber(r)
	callerIP := clientIP(r)
	s.metrics.WebhooksTotal.WithLabelValues("select").Inc()

	s.logger.Info("extension selected",
		"digits", digits,
		"from", from,
		"caller_ip", callerIP,
	)

	vr := twiml.New()

	entry, ok := s.dir.Lookup(digits)
	if !ok {
		vr.Say("Sorry, that was not a valid option.")
		vr.Redirect(greetPath)
		s.writeTwiML(w, vr)
		return
	}

	switch entry.Kind {
	case directory.KindDialExternal:
		vr.Say(fmt.Sprintf("Connecting you to the %s. Please wait.", entry.Name))
		vr.Dial(entry.Target)

	case directory.KindVoicemail:
		vr.Say(fmt.Sprintf("You've selected %s. Please leave your message after the tone.", entry.Name))
		action := fmt.Sprintf("%s/%s?caller_ip=%s",
			recordPath, url.PathEscape(entry.Digits), url.QueryEscape(callerIP))
		vr.Record(maxRecordingSecs, action)
		// Only reached if the provider never invokes the recording callback.
		vr.Say("No message recorded. Goodbye.")
		vr.Hangup()

	case directory.KindInfoMessage:
		vr.Say(entry.Message)
		vr.Say("Thank you for calling. Goodbye.")
		vr.Hangup()

	default:
		vr.Say("Sorry, there was an internal error with your selection.")
		vr.Redirect(greetPath)
	}

	s.writeTwiML(w, vr)
}

// handleRecording accepts the provider's recording callback, delivers the
// voicemail synchronously, and always ends the call with the same goodbye.
// Delivery failures are logged; only a download failure adds an apology.
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	ext := chi.URLParam(r, "ext")
	recordingURL := r.FormValue("RecordingUrl")
	callID := r.FormValue("CallSid")
	from := callerNumber(r)
	callerIP := r.URL.Query().Get("caller_ip")
	if callerIP == "" {
		callerIP = clientIP(r)
	}
	s.metrics.WebhooksTotal.WithLabelValues("record").Inc()

	s.logger.Info("recording callback",
		"extension", ext,
		"call_id", callID,
		"from", from,
		"caller_ip", callerIP,
		"recording_url", recordingURL,
	)

	vr := twiml.New()

	if recordingURL == "" {
		s.logger.Error("no recording url received", "extension", ext, "call_id", callID)
		vr.Say("Sorry, there was an issue recording your message. Goodbye.")
		vr.Hangup()
		s.writeTwiML(w, vr)
		return
	}

	// Re-resolve the extension: the path parameter is caller-controlled
	// and may be forged or stale.
	entry, ok := s.dir.Lookup(ext)
	if !ok || entry.Kind != directory.KindVoicemail {
		s.logger.Error("invalid or non-voicemail extension on recording callback",
			"extension", ext,
			"call_id", callID,
		)
		vr.Say("Sorry, there was an internal error. Goodbye.")
		vr.Hangup()
		s.writeTwiML(w, vr)
		return
	}

	if callID == "" {
		callID = uuid.NewString()
		s.logger.Warn("provider sent no call id, generated one", "call_id", callID)
	}

	err := s.deliver.Deliver(r.Context(), voicemail.Request{
		RecordingURL: recordingURL,
		CallerNumber: from,
		CallerIP:     callerIP,
		CallID:       callID,
		Entry:        entry,
	})
	if err != nil {
		s.logger.Error("voicemail delivery failed",
			"extension", ext,
			"call_id", callID,
			"error", err,
		)
		if errors.Is(err, voicemail.ErrDownload) {
			vr.Say("We encountered an error downloading your message. Goodbye.")
		}
	}

	vr.Say("Thank you for your message. Goodbye.")
	vr.Hangup()
	s.writeTwiML(w, vr)
}

// writeTwiML renders the response document and writes it as the provider's
// voice-markup XML dialect.
func (s *Server) writeTwiML(w http.ResponseWriter, vr *twiml.Response) {
	body, err := vr.Render()
	if err != nil {
		s.logger.Error("failed to render voice response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", twiml.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("failed to write voice response", "error", err)
	}
}

// callerNumber returns the From parameter, matching the provider's webhook
// contract, or a placeholder when absent.
func callerNumber(r *http.Request) string {
	if from := r.FormValue("From"); from != "" {
		return from
	}
	return "Unknown Caller"
}

// clientIP returns the caller-side network address for logging and the
// email notification. Proxied deployments put the original address in
// CF-Connecting-IP or X-Forwarded-For.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "Unknown IP"
}
