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

package llm

import (
	"context"
	"strings"

	"github.com/courierlabs/courier/internal/model"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
)

func completeAnthropic(ctx context.Context, cfg model.APIConfig, msgs []model.ChatMessage) (string, error) {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: maxTokens,
	}

	// Anthropic takes the system prompt out of band; leading system
	// messages are concatenated into it.
	var system []string
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
		case model.RoleAssistant:
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", errors.Wrapf(err, "anthropic completion for model %s", cfg.Model)
	}

	var sb strings.Builder
	for _, blk := range resp.Content {
		if tb, ok := blk.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.Errorf("anthropic completion for model %s returned no text", cfg.Model)
	}
	return sb.String(), nil
}
