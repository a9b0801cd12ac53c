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

// Package filter implements the mail filter engine: a pure mapping
// from message attributes to an ordered list of director routes.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/courierlabs/courier/internal/message"
	"github.com/courierlabs/courier/internal/model"
)

// Fields a filter may match against.
const (
	FieldFrom    = "from"
	FieldTo      = "to"
	FieldCc      = "cc"
	FieldBcc     = "bcc"
	FieldSubject = "subject"
	FieldBody    = "body"
	FieldDate    = "date"
)

var validFields = map[string]bool{
	FieldFrom:    true,
	FieldTo:      true,
	FieldCc:      true,
	FieldBcc:     true,
	FieldSubject: true,
	FieldBody:    true,
	FieldDate:    true,
}

// Route is one filter match: the director to hand the message to and
// the filter that selected it.
type Route struct {
	DirectorID string
	FilterID   string
}

// Validate rejects filters that must never be stored: unknown field
// names, missing director, or a pattern that does not compile.
func Validate(f model.Filter) error {
	if !validFields[f.Field] {
		return &model.ValidationError{Field: "field",
			Reason: fmt.Sprintf("unknown filter field %q", f.Field)}
	}
	if f.DirectorID == "" {
		return &model.ValidationError{Field: "directorId", Reason: "missing"}
	}
	if _, err := regexp.Compile(f.Pattern); err != nil {
		return &model.ValidationError{Field: "pattern",
			Reason: fmt.Sprintf("regexp does not compile: %v", err)}
	}
	return nil
}

// fieldValue extracts the matched field's text from the envelope.
// Matching is against the raw header-value form; the date is rendered
// in RFC 1123 form, the format mail clients display.
func fieldValue(env message.Envelope, field string) string {
	switch field {
	case FieldFrom:
		return env.From
	case FieldTo:
		return env.To
	case FieldCc:
		return env.Cc
	case FieldBcc:
		return env.Bcc
	case FieldSubject:
		return env.Subject
	case FieldBody:
		if env.BodyPlain != "" {
			return env.BodyPlain
		}
		return env.BodyHTML
	case FieldDate:
		if env.Date.IsZero() {
			return ""
		}
		return env.Date.Format(time.RFC1123Z)
	}
	return ""
}

// Match evaluates filters against env in stored order and returns the
// matching routes.  Matching is case-sensitive, unanchored substring
// search.  Once a director has matched, later filters for the same
// director are suppressed unless they set DuplicateAllowed.
//
// Patterns are validated at write time, so a pattern that fails to
// compile here is an invariant violation and panics rather than being
// silently skipped or retried.
func Match(env message.Envelope, filters []model.Filter) []Route {
	ordered := make([]model.Filter, len(filters))
	copy(ordered, filters)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})

	var routes []Route
	matched := make(map[string]bool)
	for _, f := range ordered {
		if matched[f.DirectorID] && !f.DuplicateAllowed {
			continue
		}
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			panic(fmt.Sprintf("stored filter %s has invalid pattern %q: %v",
				f.ID, f.Pattern, err))
		}
		if !re.MatchString(fieldValue(env, f.Field)) {
			continue
		}
		routes = append(routes, Route{DirectorID: f.DirectorID, FilterID: f.ID})
		matched[f.DirectorID] = true
	}
	return routes
}
