// Package twiml renders voice-response documents in the Twilio Markup
// Language. It is a plain serializer over encoding/xml with no provider
// SDK dependency; handlers decide which verbs to emit.
package twiml

import (
	"bytes"
	"encoding/xml"
)

// ContentType is the media type for a rendered voice response.
const ContentType = "text/xml; charset=utf-8"

// Response is the root <Response> element. Verbs render in append order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

// Say speaks text to the caller. The text is passed through verbatim;
// encoding/xml handles the escaping the format requires.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

// Gather collects a fixed number of DTMF digits and posts them to Action.
type Gather struct {
	XMLName   xml.Name `xml:"Gather"`
	NumDigits int      `xml:"numDigits,attr"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr"`
	Timeout   int      `xml:"timeout,attr"`
	Verbs     []any    `xml:",any"`
}

// Dial connects the caller to an external number.
type Dial struct {
	XMLName xml.Name `xml:"Dial"`
	Number  string   `xml:",chardata"`
}

// Record records caller audio and posts the recording details to Action.
type Record struct {
	XMLName   xml.Name `xml:"Record"`
	MaxLength int      `xml:"maxLength,attr"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr"`
}

// Redirect transfers control of the call to the TwiML at URL.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	URL     string   `xml:",chardata"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// New returns an empty response.
func New() *Response {
	return &Response{}
}

// Say appends a <Say> verb.
func (r *Response) Say(text string) {
	r.Verbs = append(r.Verbs, Say{Text: text})
}

// Gather appends a <Gather> verb and returns it so nested verbs can be
// added. Digits are posted to action when the caller has entered
// numDigits of them; if nothing arrives within timeoutSecs the verbs
// following the gather run instead.
func (r *Response) Gather(numDigits int, action string, timeoutSecs int) *Gather {
	g := &Gather{
		NumDigits: numDigits,
		Action:    action,
		Method:    "POST",
		Timeout:   timeoutSecs,
	}
	r.Verbs = append(r.Verbs, g)
	return g
}

// Say appends a nested <Say> verb inside the gather.
func (g *Gather) Say(text string) {
	g.Verbs = append(g.Verbs, Say{Text: text})
}

// Dial appends a <Dial> verb.
func (r *Response) Dial(number string) {
	r.Verbs = append(r.Verbs, Dial{Number: number})
}

// Record appends a <Record> verb posting the recording to action.
func (r *Response) Record(maxLengthSecs int, action string) {
	r.Verbs = append(r.Verbs, Record{
		MaxLength: maxLengthSecs,
		Action:    action,
		Method:    "POST",
	})
}

// Redirect appends a <Redirect> verb.
func (r *Response) Redirect(url string) {
	r.Verbs = append(r.Verbs, Redirect{URL: url})
}

// Hangup appends a <Hangup> verb.
func (r *Response) Hangup() {
	r.Verbs = append(r.Verbs, Hangup{})
}

// Render serializes the response with an XML declaration.
func (r *Response) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
