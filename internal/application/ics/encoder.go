// Package ics renders iTIP calendar objects (RFC 5545 / RFC 5546) for room booking
// invitations and their cancellations.
package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"roombooking/internal/application/entity"
)

const (
	ProdID        = "-//Room Booking//Invitation Outbox//EN"
	Version       = "2.0"
	Scale         = "GREGORIAN"
	MaxLineOctets = 75

	utcLayout = "20060102T150405Z"

	// UTF-8 continuation bytes look like 10xxxxxx
	utf8TwoBitMask         = 0xC0
	utf8ContinuationPrefix = 0x80
)

type Method string

const (
	MethodRequest Method = "REQUEST"
	MethodCancel  Method = "CANCEL"
)

var ErrInvalidEvent = errors.New("invalid calendar event")

// MethodFor maps an outbox job kind to the iTIP method of its calendar object.
func MethodFor(kind entity.OutboxKind) (Method, error) {
	switch kind {
	case entity.KindInvite:
		return MethodRequest, nil
	case entity.KindCancel:
		return MethodCancel, nil
	default:
		return "", fmt.Errorf("%w: unknown job kind %q", ErrInvalidEvent, kind)
	}
}

type Event struct {
	UID            string
	Sequence       int
	Method         Method
	Start          time.Time
	End            time.Time
	Summary        string
	Description    string
	Location       string
	OrganizerEmail string
	AttendeeEmail  string
	AttendeeName   string
}

// Encode renders ev with DTSTAMP set to the current time.
func Encode(ev Event) (string, error) {
	return EncodeAt(ev, time.Now())
}

// EncodeAt renders ev with DTSTAMP set to now. Output is deterministic for a given
// (ev, now) pair.
func EncodeAt(ev Event, now time.Time) (string, error) {
	if err := validate(ev); err != nil {
		return "", err
	}

	status := "CONFIRMED"
	if ev.Method == MethodCancel {
		status = "CANCELLED"
	}

	var b strings.Builder
	line := func(s string) {
		b.WriteString(fold(s, MaxLineOctets))
		b.WriteString("\r\n")
	}

	line("BEGIN:VCALENDAR")
	line("VERSION:" + Version)
	line("PRODID:" + ProdID)
	line("CALSCALE:" + Scale)
	line("METHOD:" + string(ev.Method))
	line("BEGIN:VEVENT")
	line("UID:" + ev.UID)
	line(fmt.Sprintf("SEQUENCE:%d", ev.Sequence))
	line("DTSTAMP:" + now.UTC().Format(utcLayout))
	line("DTSTART:" + ev.Start.UTC().Format(utcLayout))
	line("DTEND:" + ev.End.UTC().Format(utcLayout))
	line("SUMMARY:" + escapeText(ev.Summary))
	line("DESCRIPTION:" + escapeText(ev.Description))
	line("LOCATION:" + escapeText(ev.Location))
	line("ORGANIZER:mailto:" + ev.OrganizerEmail)
	attendee := "ATTENDEE;ROLE=REQ-PARTICIPANT;PARTSTAT=NEEDS-ACTION;RSVP=TRUE"
	if ev.AttendeeName != "" {
		attendee += ";CN=" + quoteParam(ev.AttendeeName)
	}
	line(attendee + ":mailto:" + ev.AttendeeEmail)
	line("STATUS:" + status)
	line("TRANSP:OPAQUE")
	line("END:VEVENT")
	line("END:VCALENDAR")

	return b.String(), nil
}

func validate(ev Event) error {
	var problems []string

	if strings.TrimSpace(ev.UID) == "" {
		problems = append(problems, "uid is empty")
	}
	if ev.Sequence < 0 {
		problems = append(problems, "sequence is negative")
	}
	if ev.Method != MethodRequest && ev.Method != MethodCancel {
		problems = append(problems, fmt.Sprintf("unknown method %q", ev.Method))
	}
	if ev.Start.IsZero() || ev.End.IsZero() || !ev.End.After(ev.Start) {
		problems = append(problems, "end must be after start")
	}
	if strings.TrimSpace(ev.OrganizerEmail) == "" {
		problems = append(problems, "organizer email is empty")
	}
	if strings.TrimSpace(ev.AttendeeEmail) == "" {
		problems = append(problems, "attendee email is empty")
	}

	singleLine := [][2]string{
		{"uid", ev.UID},
		{"summary", ev.Summary},
		{"location", ev.Location},
		{"organizer", ev.OrganizerEmail},
		{"attendee", ev.AttendeeEmail},
		{"attendee name", ev.AttendeeName},
	}
	for _, f := range singleLine {
		if HasControl(f[1], false) {
			problems = append(problems, f[0]+" contains control characters")
		}
	}
	if HasControl(ev.Description, true) {
		problems = append(problems, "description contains control characters")
	}
	if HasSeparator(ev.OrganizerEmail) || HasSeparator(ev.AttendeeEmail) {
		problems = append(problems, "email addresses must not contain separators")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(problems, "; "))
	}
	return nil
}

// HasSeparator reports characters that cannot appear in a bare mailto: address value.
func HasSeparator(addr string) bool {
	return strings.ContainsAny(addr, " ;:,\"<>")
}

// HasControl reports control characters that would break content-line framing.
// With allowLineBreaks, LF and CRLF pass since they are escaped as \n.
func HasControl(s string, allowLineBreaks bool) bool {
	if allowLineBreaks {
		s = strings.ReplaceAll(s, "\r\n", "\n")
	}
	for _, r := range s {
		if r == '\n' && allowLineBreaks {
			continue
		}
		if r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func escapeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, ";", "\\;")
	text = strings.ReplaceAll(text, ",", "\\,")
	text = strings.ReplaceAll(text, "\n", "\\n")
	return text
}

// quoteParam wraps a parameter value in DQUOTEs; DQUOTE itself is not allowed inside.
func quoteParam(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, "'") + `"`
}

// fold splits a content line into chunks of at most maxOctets octets, continuation
// lines starting with a single space, never inside a UTF-8 sequence.
func fold(line string, maxOctets int) string {
	if len(line) <= maxOctets {
		return line
	}

	var folded strings.Builder
	remaining := line
	first := true

	for len(remaining) > 0 {
		limit := maxOctets
		if !first {
			limit = maxOctets - 1
		}

		if len(remaining) <= limit {
			if !first {
				folded.WriteString("\r\n ")
			}
			folded.WriteString(remaining)
			break
		}

		cut := limit
		for cut > 0 && remaining[cut]&utf8TwoBitMask == utf8ContinuationPrefix {
			cut--
		}

		if !first {
			folded.WriteString("\r\n ")
		}
		folded.WriteString(remaining[:cut])
		remaining = remaining[cut:]
		first = false
	}

	return folded.String()
}
