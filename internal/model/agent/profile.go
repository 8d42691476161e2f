package agent

// Profile describes the support agent the visitor talks to.
type Profile struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Tone        string   `json:"tone"`
	PromptHint  string   `json:"-"`
	OpeningLine string   `json:"openingLine"`
	Expertise   []string `json:"expertise,omitempty"`
	// CannedReplies 是离线演示时随机选用的回复。
	CannedReplies []string `json:"-"`
}

// Seed provides the built-in support desk profiles.
func Seed() []Profile {
	return []Profile{
		{
			ID:          "support-pro",
			Name:        "Support Pro",
			Title:       "Exchange support specialist",
			Tone:        "calm, precise, reassuring",
			PromptHint:  "Acknowledge the concern, ask for non-sensitive details only, never request passwords or 2FA codes.",
			OpeningLine: "Hello! Welcome to Support Pro. I am here to assist you with any account issues, trading problems, or security concerns. How can I help you today?",
			Expertise:   []string{"account access", "deposits and withdrawals", "trading", "security"},
			CannedReplies: []string{
				"Thank you for reaching out! I'm reviewing your query and will provide a detailed response shortly. For urgent account issues, please also submit a ticket through our contact form.",
				"I understand your concern. Let me check your account details and provide you with the best solution. This may take a moment.",
				"That's a great question! I'm gathering the most current information to give you an accurate answer. Please hold on.",
				"I see what you're experiencing. This is a common issue that we can resolve quickly. Let me walk you through the steps.",
				"Your security is our priority. I'm verifying your account status and will provide secure assistance immediately.",
			},
		},
		{
			ID:          "night-desk",
			Name:        "Night Desk",
			Title:       "After-hours support",
			Tone:        "friendly, brief",
			PromptHint:  "Set expectations that a specialist follows up during business hours.",
			OpeningLine: "Hi there! Our night desk is online. Leave your question and we'll get right on it.",
			Expertise:   []string{"general questions", "ticket triage"},
			CannedReplies: []string{
				"Thanks for the message! A specialist will pick this up as soon as possible.",
				"Got it. I've added your question to the queue and flagged it for follow-up.",
				"Understood. Could you share a bit more detail while I look into this?",
			},
		},
	}
}
