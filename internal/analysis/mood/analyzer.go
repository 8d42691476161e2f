package mood

import (
	"strings"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

// Label 表示访客当前的情绪倾向，用于排队与回复语气。
type Label string

const (
	Neutral    Label = "neutral"
	Satisfied  Label = "satisfied"
	Anxious    Label = "anxious"
	Frustrated Label = "frustrated"
	Urgent     Label = "urgent"
)

// Decision 给出识别结果与累计得分。
type Decision struct {
	Mood  Label `json:"mood"`
	Score int   `json:"score"`
}

// NeedsAttention reports whether an operator should look at the session first.
func (d Decision) NeedsAttention() bool {
	return d.Mood == Frustrated || d.Mood == Urgent || d.Mood == Anxious
}

// recentLimit is how many visitor messages are scored.
const recentLimit = 5

var keywordBuckets = map[Label][]string{
	Satisfied: {
		"thanks", "thank you", "great", "perfect", "awesome", "solved", "works now", "appreciate",
		"谢谢", "解决了", "好的", "太好了", "满意",
	},
	Anxious: {
		"worried", "scared", "lost", "missing", "where is", "not arrived", "haven't received", "pending",
		"hacked", "stolen", "unauthorized", "suspicious", "担心", "没到账", "被盗", "异常",
	},
	Frustrated: {
		"still", "again", "ridiculous", "useless", "terrible", "angry", "annoyed", "nobody", "waiting for hours",
		"scam", "refund", "complaint", "生气", "投诉", "受够了", "退款", "垃圾",
	},
	Urgent: {
		"urgent", "asap", "immediately", "right now", "emergency", "help!", "紧急", "马上", "立刻",
	},
}

// Analyze 对最近几条访客消息评分，越新的消息权重越高。
func Analyze(messages []chat.Message) Decision {
	var recent []string
	for i := len(messages) - 1; i >= 0 && len(recent) < recentLimit; i-- {
		if messages[i].Sender == chat.SenderUser {
			recent = append(recent, messages[i].Text)
		}
	}
	if len(recent) == 0 {
		return Decision{Mood: Neutral}
	}

	scores := make(map[Label]int)
	for age, text := range recent {
		weight := recentLimit - age
		for label, s := range scoreText(text) {
			scores[label] += s * weight
		}
	}

	best := Decision{Mood: Neutral}
	for _, label := range []Label{Urgent, Frustrated, Anxious, Satisfied} {
		if scores[label] > best.Score {
			best = Decision{Mood: label, Score: scores[label]}
		}
	}
	return best
}

func scoreText(text string) map[Label]int {
	normalized := strings.ToLower(strings.TrimSpace(text))
	scores := make(map[Label]int)
	if normalized == "" {
		return scores
	}

	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	// 连续感叹号或全大写通常意味着情绪升级。
	if n := strings.Count(text, "!"); n > 1 {
		scores[Frustrated] += n
	}
	if isShouting(text) {
		scores[Frustrated] += 4
	}
	return scores
}

func isShouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		switch {
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		case r >= 'a' && r <= 'z':
			letters++
		}
	}
	return letters >= 8 && upper*10 >= letters*8
}

// Guidance 返回给回复生成使用的语气建议。
func Guidance(d Decision) string {
	switch d.Mood {
	case Urgent:
		return "The visitor says this is urgent. Acknowledge the urgency first and give the fastest next step."
	case Frustrated:
		return "The visitor is frustrated. Apologise once, skip pleasantries, and be concrete."
	case Anxious:
		return "The visitor is worried about their funds or account. Reassure calmly and explain what happens next."
	case Satisfied:
		return "The visitor seems satisfied. Confirm the resolution and offer further help briefly."
	default:
		return ""
	}
}
