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

// Package gmail implements the mail-ingestion capability for Google
// mailboxes.
package gmail

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"net/mail"

	"github.com/courierlabs/courier/internal/message"
	"github.com/courierlabs/courier/internal/model"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerMessagesList = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	defaultBatchMax = 25
)

var ErrMessageNotFound = errors.New("gmail message not found")

// Service provides unread-mail fetching from GMail for any number of
// accounts.  One shared limiter keeps the process inside Google's
// per-project quota.
type Service struct {
	oauth   *oauth2.Config
	limiter *rate.Limiter
}

func New(clientID, clientSecret string) *Service {
	return &Service{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail_api.GmailReadonlyScope},
		},
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

func storedToken(acct model.Account) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  acct.Tokens.AccessToken,
		RefreshToken: acct.Tokens.RefreshToken,
		Expiry:       acct.Tokens.Expiry,
	}
}

// EnsureValidAccessToken refreshes the account's access token when
// expired.  Updated is set only when the caller must persist new
// tokens.
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

// FetchUnread lists matching messages and fetches each in full.
func (s *Service) FetchUnread(ctx context.Context, acct model.Account, opts message.FetchOptions) ([]message.Envelope, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(storedToken(acct)))
	svc, err := gmail_api.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize GMail client")
	}

	max := opts.Max
	if max <= 0 {
		max = defaultBatchMax
	}
	q := "in:inbox"
	if opts.UnreadOnly {
		q = "is:unread in:inbox"
	}

	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	page, err := svc.Users.Messages.List("me").Q(q).MaxResults(max).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "unable to list unread messages")
	}

	var envs []message.Envelope
	for _, m := range page.Messages {
		msg, err := s.getMessage(ctx, svc, m.Id)
		if errors.Cause(err) == ErrMessageNotFound {
			continue
		}
		if err != nil {
			return envs, errors.Wrapf(err, "getting message %v from gmail", m.Id)
		}
		envs = append(envs, envelopeFromMessage(msg))
	}
	return envs, nil
}

func (s *Service) getMessage(ctx context.Context, svc *gmail_api.Service, id string) (*gmail_api.Message, error) {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
			return nil, err
		}
		msg, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err == nil {
			return msg, nil
		}

		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			if cause.Code == http.StatusTooManyRequests {
				continue // retry
			}
			if cause.Code == http.StatusNotFound {
				// In practice the list sometimes delivers
				// messages that can't be fetched; skip them.
				log.Printf("gmail: message %v not found", id)
				return nil, ErrMessageNotFound
			}
		}
		return nil, err
	}
}

func envelopeFromMessage(msg *gmail_api.Message) message.Envelope {
	env := message.Envelope{
		ID:      msg.Id,
		Snippet: msg.Snippet,
	}
	if msg.Payload == nil {
		return env
	}
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			env.Subject = h.Value
		case "From":
			env.From = h.Value
		case "To":
			env.To = h.Value
		case "Cc":
			env.Cc = h.Value
		case "Bcc":
			env.Bcc = h.Value
		case "Date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				env.Date = t
			}
		}
	}
	walkParts(msg.Payload, &env)
	return env
}

// walkParts collects the first text/plain and text/html bodies and
// every named attachment from the MIME tree.
func walkParts(p *gmail_api.MessagePart, env *message.Envelope) {
	if p == nil {
		return
	}
	if p.Filename != "" {
		att := message.Attachment{
			Filename: p.Filename,
			MimeType: p.MimeType,
		}
		if p.Body != nil {
			att.Size = p.Body.Size
		}
		env.Attachments = append(env.Attachments, att)
	} else if p.Body != nil && p.Body.Data != "" {
		switch p.MimeType {
		case "text/plain":
			if env.BodyPlain == "" {
				env.BodyPlain = decodeBody(p.Body.Data)
			}
		case "text/html":
			if env.BodyHTML == "" {
				env.BodyHTML = decodeBody(p.Body.Data)
			}
		}
	}
	for _, part := range p.Parts {
		walkParts(part, env)
	}
}

func decodeBody(data string) string {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
	if err != nil {
		log.Printf("gmail: undecodable body part: %v", err)
		return ""
	}
	return string(raw)
}
