package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/live-support/backend/internal/model/agent"
)

// PromptTemplate defines the extra guidance for one support agent.
type PromptTemplate struct {
	SystemPrompt string
	ContextRules []string
}

// PromptManager manages prompt templates for the built-in agents.
type PromptManager struct {
	templates map[string]*PromptTemplate
}

// NewPromptManager creates a prompt manager with the default templates.
func NewPromptManager() *PromptManager {
	pm := &PromptManager{templates: make(map[string]*PromptTemplate)}
	pm.loadDefaultTemplates()
	return pm
}

// BuildSystemPrompt 生成坐席的系统提示词，未登记的坐席使用基础模板。
func (pm *PromptManager) BuildSystemPrompt(profile agent.Profile) string {
	template, ok := pm.templates[profile.ID]
	if !ok {
		return pm.buildBasicSystemPrompt(profile)
	}

	return fmt.Sprintf(`%s

Agent:
- Name: %s
- Role: %s
- Tone: %s
- Expertise: %s

Rules:
- %s
- %s`,
		template.SystemPrompt,
		profile.Name,
		profile.Title,
		profile.Tone,
		strings.Join(profile.Expertise, ", "),
		strings.Join(template.ContextRules, "\n- "),
		profile.PromptHint,
	)
}

func (pm *PromptManager) buildBasicSystemPrompt(profile agent.Profile) string {
	return fmt.Sprintf(`You are %s, %s, answering a website visitor in a live support chat.
Tone: %s.
%s
Keep answers short and plain. Never ask for passwords, private keys or one-time codes.`,
		profile.Name,
		profile.Title,
		profile.Tone,
		profile.PromptHint,
	)
}

func (pm *PromptManager) loadDefaultTemplates() {
	pm.templates["support-pro"] = &PromptTemplate{
		SystemPrompt: `You are a support specialist for a digital asset exchange, chatting with a visitor through the website support widget.`,
		ContextRules: []string{
			"Answer in at most three short sentences",
			"Never ask for passwords, private keys, seed phrases or 2FA codes",
			"For deposits and withdrawals ask for the asset and network, not the full transaction history",
			"If the issue needs an account lookup, say a specialist will follow up in this chat",
		},
	}

	pm.templates["night-desk"] = &PromptTemplate{
		SystemPrompt: `You staff the after-hours support desk. You triage questions and promise follow-up.`,
		ContextRules: []string{
			"Reply in one or two sentences",
			"Do not promise resolution times",
			"Ask one clarifying question when the request is vague",
		},
	}
}
