package message

// This file provides the common mail data objects used by the rest of
// the program.

import "time"

// Envelope is a single fetched mail message, normalized across
// providers.  Address fields keep their raw header-value form (comma
// separated addresses) so that filter patterns see exactly what the
// provider delivered.
type Envelope struct {
	// The permanent and unique ID of the message within its
	// provider.
	ID string

	Subject string
	From    string
	To      string
	Cc      string
	Bcc     string

	// The provider's Date header, parsed.  Zero when the header is
	// missing or unparseable.
	Date time.Time

	// A short provider-generated preview of the body.
	Snippet string

	BodyPlain string
	BodyHTML  string

	Attachments []Attachment
}

// Attachment describes an attachment without carrying its content.
type Attachment struct {
	Filename string
	MimeType string
	Size     int64
}

// FetchOptions bound a single mail fetch.
type FetchOptions struct {
	// Max limits the number of envelopes returned.  Zero means the
	// provider default.
	Max int64

	// UnreadOnly restricts the fetch to unread messages.
	UnreadOnly bool
}

// TokenUpdate is the result of refreshing an account's access token.
type TokenUpdate struct {
	// Updated reports whether the tokens changed and should be
	// persisted back to the account record.
	Updated bool

	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}
