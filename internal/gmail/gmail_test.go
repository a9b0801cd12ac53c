package gmail

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	gmail_api "google.golang.org/api/gmail/v1"
)

func b64url(s string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(s))
}

func TestEnvelopeFromMessage(t *testing.T) {
	msg := &gmail_api.Message{
		Id:      "m1",
		Snippet: "Please pay...",
		Payload: &gmail_api.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail_api.MessagePartHeader{
				{Name: "Subject", Value: "Invoice overdue"},
				{Name: "From", Value: "Billing <billing@example.com>"},
				{Name: "To", Value: "alice@example.com"},
				{Name: "Cc", Value: "cc@example.com"},
				{Name: "Date", Value: "Mon, 10 Mar 2025 09:30:00 +0000"},
				{Name: "X-Ignored", Value: "whatever"},
			},
			Parts: []*gmail_api.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmail_api.MessagePart{
						{
							MimeType: "text/plain",
							Body:     &gmail_api.MessagePartBody{Data: b64url("Please pay invoice #42.")},
						},
						{
							MimeType: "text/html",
							Body:     &gmail_api.MessagePartBody{Data: b64url("<p>Please pay invoice #42.</p>")},
						},
					},
				},
				{
					Filename: "invoice.pdf",
					MimeType: "application/pdf",
					Body:     &gmail_api.MessagePartBody{Size: 12345},
				},
			},
		},
	}

	env := envelopeFromMessage(msg)

	if env.ID != "m1" || env.Snippet != "Please pay..." {
		t.Errorf("envelope id/snippet = %q/%q, want m1 and snippet", env.ID, env.Snippet)
	}
	if env.Subject != "Invoice overdue" {
		t.Errorf("Subject = %q, want %q", env.Subject, "Invoice overdue")
	}
	if env.From != "Billing <billing@example.com>" {
		t.Errorf("From = %q, want raw header form", env.From)
	}
	if env.To != "alice@example.com" || env.Cc != "cc@example.com" {
		t.Errorf("To/Cc = %q/%q, want header values", env.To, env.Cc)
	}
	want := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	if !env.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", env.Date, want)
	}
	if env.BodyPlain != "Please pay invoice #42." {
		t.Errorf("BodyPlain = %q, want the decoded text part", env.BodyPlain)
	}
	if env.BodyHTML != "<p>Please pay invoice #42.</p>" {
		t.Errorf("BodyHTML = %q, want the decoded html part", env.BodyHTML)
	}
	if len(env.Attachments) != 1 {
		t.Fatalf("Attachments = %v, want one", env.Attachments)
	}
	att := env.Attachments[0]
	if att.Filename != "invoice.pdf" || att.MimeType != "application/pdf" || att.Size != 12345 {
		t.Errorf("Attachment = %+v, want invoice.pdf metadata", att)
	}
}

func TestEnvelopeFromMessageNoPayload(t *testing.T) {
	env := envelopeFromMessage(&gmail_api.Message{Id: "m2", Snippet: "hi"})
	if env.ID != "m2" || env.Subject != "" {
		t.Errorf("envelope = %+v, want only id and snippet populated", env)
	}
}

func TestEnvelopeFromMessageKeepsFirstBodyPart(t *testing.T) {
	msg := &gmail_api.Message{
		Id: "m3",
		Payload: &gmail_api.MessagePart{
			Parts: []*gmail_api.MessagePart{
				{MimeType: "text/plain", Body: &gmail_api.MessagePartBody{Data: b64url("first")}},
				{MimeType: "text/plain", Body: &gmail_api.MessagePartBody{Data: b64url("second")}},
			},
		},
	}
	env := envelopeFromMessage(msg)
	if env.BodyPlain != "first" {
		t.Errorf("BodyPlain = %q, want the first text part kept", env.BodyPlain)
	}
}

func TestEnvelopeFromMessageUndecodableBody(t *testing.T) {
	msg := &gmail_api.Message{
		Id: "m4",
		Payload: &gmail_api.MessagePart{
			Parts: []*gmail_api.MessagePart{
				{MimeType: "text/plain", Body: &gmail_api.MessagePartBody{Data: "%%not base64%%"}},
			},
		},
	}
	env := envelopeFromMessage(msg)
	if env.BodyPlain != "" {
		t.Errorf("BodyPlain = %q for undecodable data, want empty", env.BodyPlain)
	}
}

func TestDecodeBodyRoundTrip(t *testing.T) {
	cases := []string{"", "plain", "unicode: ü 竹", "line\nbreaks\r\n"}
	for _, tc := range cases {
		if got := decodeBody(b64url(tc)); got != tc {
			t.Errorf("decodeBody(encode(%q)) = %q, want input back", tc, got)
		}
	}
	if diff := cmp.Diff("x", decodeBody(b64url("x"))); diff != "" {
		t.Errorf("decodeBody mismatch (-want +got):\n%s", diff)
	}
}
