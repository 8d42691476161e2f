package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/live-support/backend/internal/analysis/mood"
	"github.com/zhouzirui/live-support/backend/internal/config"
	"github.com/zhouzirui/live-support/backend/internal/model/agent"
	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

const historyLimit = 10

// DefaultReplyTimeout bounds one model call.
const DefaultReplyTimeout = 15 * time.Second

// Service 使用大模型为客服坐席生成回复。
type Service struct {
	chain   compose.Runnable[map[string]any, *schema.Message]
	profile agent.Profile
	prompts *PromptManager
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewService creates the Ark chat model from cfg and compiles the reply chain.
func NewService(ctx context.Context, profile agent.Profile, cfg config.AIConfig, logger logrus.FieldLogger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	svc, err := NewServiceWithModel(ctx, chatModel, profile, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		svc.timeout = cfg.Timeout
	}
	return svc, nil
}

// NewServiceWithModel compiles the reply chain around an existing model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, profile agent.Profile, logger logrus.FieldLogger) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chain:   runnable,
		profile: profile,
		prompts: NewPromptManager(),
		timeout: DefaultReplyTimeout,
		logger:  logger.WithField("component", "ai"),
	}, nil
}

// Reply generates the agent's answer to incoming given the session history.
func (s *Service) Reply(ctx context.Context, history []chat.Message, incoming chat.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := s.buildChainInput(history, incoming)
	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil {
		return "", errors.New("model returned no message")
	}

	text := strings.TrimSpace(response.Content)
	s.logger.WithFields(logrus.Fields{
		"session_id": incoming.SessionID,
		"agent":      s.profile.ID,
		"length":     len(text),
	}).Debug("generated reply")
	return text, nil
}

func (s *Service) buildChainInput(history []chat.Message, incoming chat.Message) map[string]any {
	system := s.prompts.BuildSystemPrompt(s.profile)
	if guidance := mood.Guidance(mood.Analyze(withIncoming(history, incoming))); guidance != "" {
		system += "\n\n【访客情绪】" + guidance
	}
	return map[string]any{
		"system":  system,
		"history": buildHistoryMessages(history, incoming.ID),
		"query":   incoming.Text,
	}
}

// buildHistoryMessages keeps the last ten messages before the incoming one.
func buildHistoryMessages(messages []chat.Message, skipID string) []*schema.Message {
	filtered := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == skipID {
			continue
		}
		filtered = append(filtered, msg)
	}
	if len(filtered) > historyLimit {
		filtered = filtered[len(filtered)-historyLimit:]
	}
	if len(filtered) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(filtered))
	for _, msg := range filtered {
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.SenderAdmin:
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}
	return history
}

func withIncoming(history []chat.Message, incoming chat.Message) []chat.Message {
	for _, msg := range history {
		if msg.ID == incoming.ID {
			return history
		}
	}
	out := make([]chat.Message, 0, len(history)+1)
	out = append(out, history...)
	return append(out, incoming)
}
