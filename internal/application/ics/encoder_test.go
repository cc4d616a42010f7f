package ics

import (
	"strings"
	"testing"
	"time"

	"roombooking/internal/application/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	testNow   = time.Date(2026, 2, 20, 8, 30, 15, 0, time.UTC)
)

func testEvent() Event {
	return Event{
		UID:            "4f1c1b3e-0000-5000-8000-000000000001@roombooking",
		Sequence:       0,
		Method:         MethodRequest,
		Start:          testStart,
		End:            testStart.Add(time.Hour),
		Summary:        "Room booking: R1",
		Description:    "Quarterly planning",
		Location:       "R1",
		OrganizerEmail: "rooms@example.com",
		AttendeeEmail:  "ana@example.com",
		AttendeeName:   "Ana Souza",
	}
}

// unfold reverses line folding and splits the object into content lines.
func unfold(t *testing.T, obj string) []string {
	t.Helper()
	require.True(t, strings.HasSuffix(obj, "\r\n"))
	unfolded := strings.ReplaceAll(obj, "\r\n ", "")
	lines := strings.Split(strings.TrimSuffix(unfolded, "\r\n"), "\r\n")
	for _, l := range lines {
		require.NotContains(t, l, "\n", "bare LF inside content line %q", l)
	}
	return lines
}

func property(lines []string, name string) (string, bool) {
	for _, l := range lines {
		key, value, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		if key == name || strings.HasPrefix(key, name+";") {
			return value, true
		}
	}
	return "", false
}

func TestEncodeInvite(t *testing.T) {
	obj, err := EncodeAt(testEvent(), testNow)
	require.NoError(t, err)

	lines := unfold(t, obj)
	assert.Equal(t, "BEGIN:VCALENDAR", lines[0])
	assert.Equal(t, "END:VCALENDAR", lines[len(lines)-1])
	assert.Equal(t, 1, strings.Count(obj, "BEGIN:VEVENT"))

	expect := map[string]string{
		"METHOD":      "REQUEST",
		"UID":         "4f1c1b3e-0000-5000-8000-000000000001@roombooking",
		"SEQUENCE":    "0",
		"DTSTAMP":     "20260220T083015Z",
		"DTSTART":     "20260302T100000Z",
		"DTEND":       "20260302T110000Z",
		"SUMMARY":     "Room booking: R1",
		"DESCRIPTION": "Quarterly planning",
		"LOCATION":    "R1",
		"ORGANIZER":   "mailto:rooms@example.com",
		"STATUS":      "CONFIRMED",
	}
	for name, want := range expect {
		got, ok := property(lines, name)
		require.True(t, ok, "missing %s", name)
		assert.Equal(t, want, got, name)
	}

	attendee, ok := property(lines, "ATTENDEE")
	require.True(t, ok)
	assert.Equal(t, "mailto:ana@example.com", attendee)
	assert.Contains(t, obj, "RSVP=TRUE")
	assert.Contains(t, obj, `CN="Ana Souza"`)
}

func TestEncodeConvertsToUTC(t *testing.T) {
	ev := testEvent()
	loc := time.FixedZone("BRT", -3*60*60)
	ev.Start = time.Date(2026, 3, 2, 7, 0, 0, 0, loc)
	ev.End = ev.Start.Add(30 * time.Minute)

	obj, err := EncodeAt(ev, testNow.In(loc))
	require.NoError(t, err)
	lines := unfold(t, obj)

	start, _ := property(lines, "DTSTART")
	end, _ := property(lines, "DTEND")
	stamp, _ := property(lines, "DTSTAMP")
	assert.Equal(t, "20260302T100000Z", start)
	assert.Equal(t, "20260302T103000Z", end)
	assert.Equal(t, "20260220T083015Z", stamp)
}

func TestInviteThenCancelShareUID(t *testing.T) {
	invite := testEvent()
	cancel := testEvent()
	cancel.Method = MethodCancel
	cancel.Sequence = 1

	inviteObj, err := EncodeAt(invite, testNow)
	require.NoError(t, err)
	cancelObj, err := EncodeAt(cancel, testNow.Add(time.Hour))
	require.NoError(t, err)

	il, cl := unfold(t, inviteObj), unfold(t, cancelObj)

	iUID, _ := property(il, "UID")
	cUID, _ := property(cl, "UID")
	assert.Equal(t, iUID, cUID)

	iMethod, _ := property(il, "METHOD")
	cMethod, _ := property(cl, "METHOD")
	assert.Equal(t, "REQUEST", iMethod)
	assert.Equal(t, "CANCEL", cMethod)

	iSeq, _ := property(il, "SEQUENCE")
	cSeq, _ := property(cl, "SEQUENCE")
	assert.Equal(t, "0", iSeq)
	assert.Equal(t, "1", cSeq)

	status, _ := property(cl, "STATUS")
	assert.Equal(t, "CANCELLED", status)
}

func TestEncodeEscapesText(t *testing.T) {
	ev := testEvent()
	ev.Summary = "Sync; design, review"
	ev.Description = "Agenda:\r\n1. a\\b\n2. c"

	obj, err := EncodeAt(ev, testNow)
	require.NoError(t, err)
	lines := unfold(t, obj)

	summary, _ := property(lines, "SUMMARY")
	assert.Equal(t, `Sync\; design\, review`, summary)
	description, _ := property(lines, "DESCRIPTION")
	assert.Equal(t, `Agenda:\n1. a\\b\n2. c`, description)
}

func TestEncodeFoldsLongLines(t *testing.T) {
	ev := testEvent()
	ev.Description = strings.Repeat("Reunião de planejamento ", 20)

	obj, err := EncodeAt(ev, testNow)
	require.NoError(t, err)

	for _, physical := range strings.Split(strings.TrimSuffix(obj, "\r\n"), "\r\n") {
		assert.LessOrEqual(t, len(physical), MaxLineOctets, "line %q too long", physical)
	}

	lines := unfold(t, obj)
	description, _ := property(lines, "DESCRIPTION")
	assert.Equal(t, ev.Description, description, "folding must not corrupt multi-byte characters")
}

func TestEncodeRejectsMalformedInput(t *testing.T) {
	testcases := []struct {
		name   string
		mutate func(ev *Event)
	}{
		{"control char in summary", func(ev *Event) { ev.Summary = "a\x00b" }},
		{"newline in summary", func(ev *Event) { ev.Summary = "line1\nBEGIN:VEVENT" }},
		{"carriage return in location", func(ev *Event) { ev.Location = "R1\r" }},
		{"bell in description", func(ev *Event) { ev.Description = "ding\a" }},
		{"empty uid", func(ev *Event) { ev.UID = "" }},
		{"negative sequence", func(ev *Event) { ev.Sequence = -1 }},
		{"unknown method", func(ev *Event) { ev.Method = "PUBLISH" }},
		{"end before start", func(ev *Event) { ev.End = ev.Start.Add(-time.Minute) }},
		{"empty attendee", func(ev *Event) { ev.AttendeeEmail = "" }},
		{"attendee with separator", func(ev *Event) { ev.AttendeeEmail = "a@b.c:evil" }},
		{"empty organizer", func(ev *Event) { ev.OrganizerEmail = " " }},
		{"organizer with display name", func(ev *Event) { ev.OrganizerEmail = "Rooms <rooms@example.com>" }},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ev := testEvent()
			tc.mutate(&ev)
			obj, err := EncodeAt(ev, testNow)
			assert.ErrorIs(t, err, ErrInvalidEvent)
			assert.Empty(t, obj)
		})
	}
}

func TestMethodFor(t *testing.T) {
	m, err := MethodFor(entity.KindInvite)
	require.NoError(t, err)
	assert.Equal(t, MethodRequest, m)

	m, err = MethodFor(entity.KindCancel)
	require.NoError(t, err)
	assert.Equal(t, MethodCancel, m)

	_, err = MethodFor("RESCHEDULE")
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestHasControl(t *testing.T) {
	assert.False(t, HasControl("plain text", false))
	assert.True(t, HasControl("two\nlines", false))
	assert.False(t, HasControl("two\r\nlines", true))
	assert.True(t, HasControl("lone\rcr", true))
	assert.True(t, HasControl("esc\x1b[0m", true))
}

func TestHasSeparator(t *testing.T) {
	assert.False(t, HasSeparator("rooms@example.com"))
	assert.True(t, HasSeparator("Room Booking <rooms@example.com>"))
	assert.True(t, HasSeparator("<rooms@example.com>"))
	assert.True(t, HasSeparator("a@b.c;x"))
}
