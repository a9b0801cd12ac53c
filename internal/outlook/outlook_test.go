package outlook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/courierlabs/courier/internal/message"
	"github.com/courierlabs/courier/internal/model"
)

const listResponse = `{
  "value": [
    {
      "id": "m1",
      "subject": "Invoice overdue",
      "bodyPreview": "Please pay...",
      "receivedDateTime": "2025-03-10T09:30:00Z",
      "hasAttachments": false,
      "body": {"contentType": "html", "content": "<p>Please pay invoice #42.</p>"},
      "from": {"emailAddress": {"name": "Billing", "address": "billing@example.com"}},
      "toRecipients": [
        {"emailAddress": {"name": "", "address": "alice@example.com"}},
        {"emailAddress": {"name": "Bob", "address": "bob@example.com"}}
      ],
      "ccRecipients": []
    },
    {
      "id": "m2",
      "subject": "Plain text",
      "receivedDateTime": "2025-03-10T10:00:00Z",
      "body": {"contentType": "text", "content": "just text"},
      "from": {"emailAddress": {"address": "noreply@example.com"}},
      "toRecipients": []
    }
  ]
}`

func testAccount() model.Account {
	return model.Account{
		ID:       "acct1",
		Provider: model.ProviderOutlook,
		Email:    "alice@example.com",
		Tokens: model.OAuthTokens{
			AccessToken: "tok",
			Expiry:      time.Now().Add(time.Hour),
		},
	}
}

func TestFetchUnread(t *testing.T) {
	var gotQuery map[string][]string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(listResponse))
	}))
	defer srv.Close()

	s := New("client", "secret")
	s.base = srv.URL

	envs, err := s.FetchUnread(context.Background(), testAccount(), message.FetchOptions{
		Max: 10, UnreadOnly: true})
	if err != nil {
		t.Fatalf("FetchUnread() = %v, want nil", err)
	}

	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want the stored access token", gotAuth)
	}
	if got := gotQuery["$top"]; len(got) != 1 || got[0] != "10" {
		t.Errorf("$top = %v, want [10]", got)
	}
	if got := gotQuery["$filter"]; len(got) != 1 || got[0] != "isRead eq false" {
		t.Errorf("$filter = %v, want the unread filter", got)
	}

	if len(envs) != 2 {
		t.Fatalf("FetchUnread() = %d envelopes, want 2", len(envs))
	}

	first := envs[0]
	if first.ID != "m1" || first.Subject != "Invoice overdue" {
		t.Errorf("envelope = %+v, want m1/Invoice overdue", first)
	}
	if first.From != "Billing <billing@example.com>" {
		t.Errorf("From = %q, want display-name form", first.From)
	}
	if first.To != "alice@example.com, Bob <bob@example.com>" {
		t.Errorf("To = %q, want joined recipients", first.To)
	}
	if first.BodyHTML == "" || first.BodyPlain != "" {
		t.Errorf("body = plain %q html %q, want html only", first.BodyPlain, first.BodyHTML)
	}
	want := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	if !first.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", first.Date, want)
	}

	second := envs[1]
	if second.BodyPlain != "just text" || second.BodyHTML != "" {
		t.Errorf("body = plain %q html %q, want plain only", second.BodyPlain, second.BodyHTML)
	}
}

func TestFetchUnreadOmitsFilterWhenNotUnreadOnly(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"value": []}`))
	}))
	defer srv.Close()

	s := New("client", "secret")
	s.base = srv.URL

	if _, err := s.FetchUnread(context.Background(), testAccount(), message.FetchOptions{}); err != nil {
		t.Fatalf("FetchUnread() = %v, want nil", err)
	}
	if _, ok := gotQuery["$filter"]; ok {
		t.Errorf("$filter sent without UnreadOnly, want omitted")
	}
	if got := gotQuery["$top"]; len(got) != 1 || got[0] != "25" {
		t.Errorf("$top = %v, want the default batch size", got)
	}
}

func TestFetchUnreadErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": "InvalidAuthenticationToken"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := New("client", "secret")
	s.base = srv.URL

	if _, err := s.FetchUnread(context.Background(), testAccount(), message.FetchOptions{}); err == nil {
		t.Errorf("FetchUnread() = nil error on 401, want failure")
	}
}
