// Copyright 2025 The Courier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package outlook implements the mail-ingestion capability for
// Microsoft mailboxes via the Graph REST API.
package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/courierlabs/courier/internal/message"
	"github.com/courierlabs/courier/internal/model"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	graphBase       = "https://graph.microsoft.com/v1.0"
	defaultBatchMax = 25
)

// Service fetches unread mail through Microsoft Graph.
type Service struct {
	oauth *oauth2.Config
	base  string
}

func New(clientID, clientSecret string) *Service {
	return &Service{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes: []string{
				"https://graph.microsoft.com/Mail.Read",
				"offline_access",
			},
		},
		base: graphBase,
	}
}

func storedToken(acct model.Account) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  acct.Tokens.AccessToken,
		RefreshToken: acct.Tokens.RefreshToken,
		Expiry:       acct.Tokens.Expiry,
	}
}

func (s *Service) EnsureValidAccessToken(ctx context.Context, acct model.Account) (message.TokenUpdate, error) {
	cur := storedToken(acct)
	if cur.Valid() {
		return message.TokenUpdate{
			AccessToken:  cur.AccessToken,
			RefreshToken: cur.RefreshToken,
			Expiry:       cur.Expiry,
		}, nil
	}
	tok, err := s.oauth.TokenSource(ctx, cur).Token()
	if err != nil {
		return message.TokenUpdate{}, errors.Wrapf(err, "refreshing token for account %s", acct.ID)
	}
	return message.TokenUpdate{
		Updated:      true,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// Graph wire types, only the fields we read.
type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (a graphAddress) String() string {
	if a.EmailAddress.Name == "" {
		return a.EmailAddress.Address
	}
	return fmt.Sprintf("%s <%s>", a.EmailAddress.Name, a.EmailAddress.Address)
}

func joinAddresses(addrs []graphAddress) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ", "
		}
		out += a.String()
	}
	return out
}

type graphMessage struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	BodyPreview      string    `json:"bodyPreview"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	HasAttachments   bool      `json:"hasAttachments"`
	Body             struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From         graphAddress   `json:"from"`
	ToRecipients []graphAddress `json:"toRecipients"`
	CcRecipients []graphAddress `json:"ccRecipients"`
}

type graphPage struct {
	Value []graphMessage `json:"value"`
}

func (s *Service) FetchUnread(ctx context.Context, acct model.Account, opts message.FetchOptions) ([]message.Envelope, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(storedToken(acct)))

	max := opts.Max
	if max <= 0 {
		max = defaultBatchMax
	}
	q := url.Values{}
	q.Set("$top", fmt.Sprint(max))
	q.Set("$orderby", "receivedDateTime desc")
	if opts.UnreadOnly {
		q.Set("$filter", "isRead eq false")
	}
	u := s.base + "/me/mailFolders/inbox/messages?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "listing outlook messages")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("graph list returned %s: %s", resp.Status, body)
	}

	var page graphPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrap(err, "decoding graph response")
	}

	envs := make([]message.Envelope, 0, len(page.Value))
	for _, m := range page.Value {
		env := message.Envelope{
			ID:      m.ID,
			Subject: m.Subject,
			From:    m.From.String(),
			To:      joinAddresses(m.ToRecipients),
			Cc:      joinAddresses(m.CcRecipients),
			Date:    m.ReceivedDateTime,
			Snippet: m.BodyPreview,
		}
		switch m.Body.ContentType {
		case "html":
			env.BodyHTML = m.Body.Content
		default:
			env.BodyPlain = m.Body.Content
		}
		envs = append(envs, env)
	}
	return envs, nil
}
