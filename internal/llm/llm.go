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

// Package llm implements the language-model capability over the
// OpenAI and Anthropic APIs.  Which backend serves a completion is
// decided per call by the resolved API config.
package llm

import (
	"context"

	"github.com/courierlabs/courier/internal/model"

	"github.com/pkg/errors"
)

// Model API providers named in API configs.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const defaultMaxTokens = 4096

// Client dispatches completions to the backend named by the config.
type Client struct{}

func New() *Client {
	return &Client{}
}

// Complete sends the ordered message sequence and returns the model's
// reply text.
func (c *Client) Complete(ctx context.Context, cfg model.APIConfig, msgs []model.ChatMessage) (string, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return completeOpenAI(ctx, cfg, msgs)
	case ProviderAnthropic:
		return completeAnthropic(ctx, cfg, msgs)
	}
	return "", errors.Errorf("unknown model provider %q", cfg.Provider)
}
