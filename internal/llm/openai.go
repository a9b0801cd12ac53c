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

	"github.com/courierlabs/courier/internal/model"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"
)

func completeOpenAI(ctx context.Context, cfg model.APIConfig, msgs []model.ChatMessage) (string, error) {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		// OpenAI-compatible endpoints (Azure, local gateways).
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(cfg.Model),
		Messages: toOpenAIMessages(msgs),
	}
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", errors.Wrapf(err, "openai completion for model %s", cfg.Model)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Errorf("openai completion for model %s returned no choices", cfg.Model)
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(msgs []model.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
