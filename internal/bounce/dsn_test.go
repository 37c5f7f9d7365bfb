package bounce

import (
	"errors"
	"strings"
	"testing"
)

const sampleDSN = `From: Mail Delivery System <postmaster@mx.example.org>
To: <news@example.com>
Subject: Delivery Status Notification (Failure)
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="BOUNDARY"

--BOUNDARY
Content-Type: text/plain; charset=utf-8

Your message could not be delivered.

--BOUNDARY
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.org

Final-Recipient: rfc822; ada@example.org
Action: failed
Status: 5.1.1
Diagnostic-Code: smtp; 550 5.1.1 User unknown

Final-Recipient: rfc822; bob@example.org
Action: delayed
Status: 4.2.2

Final-Recipient: rfc822; carol@example.org
Action: failed
Status: 4.4.7

--BOUNDARY
Content-Type: text/rfc822-headers

Message-ID: <abc123@mailcast.test>
X-Mailcast-Tracking-ID: track-9
Subject: Launch day

--BOUNDARY--
`

func TestParseDSN(t *testing.T) {
	events, err := ParseDSN([]byte(sampleDSN))
	if err != nil {
		t.Fatalf("ParseDSN() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ParseDSN() returned %d events, want 2", len(events))
	}

	tests := []struct {
		recipient string
		permanent bool
		reasonHas string
	}{
		{"ada@example.org", true, "550 5.1.1 User unknown"},
		{"carol@example.org", false, "4.4.7"},
	}
	for i, tt := range tests {
		ev := events[i]
		if ev.Type != EventBounced || ev.Recipient != tt.recipient || ev.Permanent != tt.permanent {
			t.Errorf("event %d = %+v", i, ev)
		}
		if !strings.Contains(ev.Reason, tt.reasonHas) {
			t.Errorf("event %d reason = %q, want it to contain %q", i, ev.Reason, tt.reasonHas)
		}
		if ev.MessageID != "<abc123@mailcast.test>" || ev.TrackingID != "track-9" {
			t.Errorf("event %d ids = %q %q", i, ev.MessageID, ev.TrackingID)
		}
	}
}

func TestParseDSNRejectsOtherMail(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain text", "From: a@example.org\nSubject: hi\nContent-Type: text/plain\n\nhello\n"},
		{"other report", "Content-Type: multipart/report; report-type=disposition-notification; boundary=x\n\n--x--\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDSN([]byte(tt.raw)); !errors.Is(err, ErrNotDSN) {
				t.Errorf("ParseDSN() error = %v, want ErrNotDSN", err)
			}
		})
	}
}
