package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/live-support/backend/internal/model/agent"
	"github.com/zhouzirui/live-support/backend/internal/model/chat"
	"github.com/zhouzirui/live-support/backend/pkg/logger"
)

type fakeModel struct {
	reply string
	err   error
	seen  []*schema.Message
}

func (f *fakeModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.seen = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestServiceReply(t *testing.T) {
	fm := &fakeModel{reply: "  Which network did you use?  "}
	profile := agent.Seed()[0]
	svc, err := NewServiceWithModel(context.Background(), fm, profile, logger.Discard())
	require.NoError(t, err)

	history := []chat.Message{
		{ID: "w", Sender: chat.SenderAdmin, Text: profile.OpeningLine},
		{ID: "q", Sender: chat.SenderUser, Text: "Where is my deposit?"},
	}
	text, err := svc.Reply(context.Background(), history, history[1])
	require.NoError(t, err)
	assert.Equal(t, "Which network did you use?", text)

	require.Len(t, fm.seen, 3)
	assert.Equal(t, schema.System, fm.seen[0].Role)
	assert.Contains(t, fm.seen[0].Content, profile.Name)
	assert.Equal(t, schema.Assistant, fm.seen[1].Role)
	assert.Equal(t, schema.User, fm.seen[2].Role)
	assert.Equal(t, "Where is my deposit?", fm.seen[2].Content)
}

func TestServiceReplyAddsMoodGuidance(t *testing.T) {
	fm := &fakeModel{reply: "On it."}
	svc, err := NewServiceWithModel(context.Background(), fm, agent.Seed()[0], logger.Discard())
	require.NoError(t, err)

	incoming := chat.Message{ID: "q", Sender: chat.SenderUser, Text: "URGENT, my account was hacked!!"}
	_, err = svc.Reply(context.Background(), nil, incoming)
	require.NoError(t, err)
	require.NotEmpty(t, fm.seen)
	assert.Contains(t, fm.seen[0].Content, "【访客情绪】")

	_, err = svc.Reply(context.Background(), nil, chat.Message{ID: "r", Sender: chat.SenderUser, Text: "hello"})
	require.NoError(t, err)
	assert.NotContains(t, fm.seen[0].Content, "【访客情绪】")
}

func TestServiceReplyError(t *testing.T) {
	fm := &fakeModel{err: errors.New("quota exceeded")}
	svc, err := NewServiceWithModel(context.Background(), fm, agent.Seed()[0], logger.Discard())
	require.NoError(t, err)

	_, err = svc.Reply(context.Background(), nil, chat.Message{ID: "q", Sender: chat.SenderUser, Text: "hi"})
	assert.Error(t, err)
}

func TestBuildHistoryMessagesKeepsLastTen(t *testing.T) {
	var messages []chat.Message
	for i := range 15 {
		sender := chat.SenderUser
		if i%2 == 1 {
			sender = chat.SenderAdmin
		}
		messages = append(messages, chat.Message{ID: fmt.Sprint(i), Sender: sender, Text: fmt.Sprint("m", i)})
	}

	history := buildHistoryMessages(messages, "14")
	require.Len(t, history, historyLimit)
	assert.Equal(t, "m4", history[0].Content)
	assert.Equal(t, "m13", history[len(history)-1].Content)
	assert.Nil(t, buildHistoryMessages(nil, ""))
}

func TestBuildSystemPromptFallsBackToBasic(t *testing.T) {
	pm := NewPromptManager()
	custom := agent.Profile{ID: "custom", Name: "Sam", Title: "billing", Tone: "warm"}
	assert.Contains(t, pm.BuildSystemPrompt(custom), "You are Sam")
	assert.Contains(t, pm.BuildSystemPrompt(agent.Seed()[0]), "Never ask for passwords")
}
