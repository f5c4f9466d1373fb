package voice

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultVoiceID is used when the gender/style pair has no table entry.
const DefaultVoiceID = "sarah"

var (
	ErrMissingVoiceID    = errors.New("voice id is missing")
	ErrMissingModel      = errors.New("model provider or model name is missing")
	ErrMissingCredential = errors.New("voice engine credential is not configured")
)

// voiceIDs maps gender, then speaking style, to a synthesis voice id.
var voiceIDs = map[string]map[string]string{
	"male": {
		"casual": "2BJW5coyhAzSr8STdHbE",
		"formal": "c6SfcYrb2t09NHXiT80T",
	},
	"female": {
		"casual": "ZIlrSGI4jZqobxRKprJz",
		"formal": "sarah",
	},
}

const firstMessageTemplate = "Hello, let's start the session. Today we'll be talking about {{topic}}."

const systemPromptTemplate = `You are a highly knowledgeable tutor teaching a real-time voice session with a student. Your goal is to teach the student about the topic and subject.

Tutor Guidelines:
Stick to the given topic - {{ topic }} and subject - {{ subject }} and teach the student about it.
Keep the conversation flowing smoothly while maintaining control.
From time to time make sure that the student is following you and understands you.
Break down the topic into smaller parts and teach the student one part at a time.
Keep your style of conversation {{ style }}.
Keep your responses short, like in a real voice conversation.
Do not include any special characters in your responses - this is a voice conversation.`

var placeholderPattern = regexp.MustCompile(`\{\{\s*(topic|subject|style)\s*\}\}`)

// Persona is the companion profile a session is configured from.
type Persona struct {
	Voice   string
	Style   string
	Topic   string
	Subject string
}

type AssistantConfig struct {
	Name           string            `json:"name"`
	FirstMessage   string            `json:"firstMessage"`
	Transcriber    TranscriberConfig `json:"transcriber"`
	Voice          VoiceConfig       `json:"voice"`
	Model          ModelConfig       `json:"model"`
	ClientMessages []string          `json:"clientMessages"`
	ServerMessages []string          `json:"serverMessages"`
}

type TranscriberConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

type VoiceConfig struct {
	Provider        string  `json:"provider"`
	VoiceID         string  `json:"voiceId"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarityBoost"`
	Speed           float64 `json:"speed"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"useSpeakerBoost"`
}

type ModelConfig struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Messages []ModelMessage `json:"messages"`
}

type ModelMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResolveVoice splits a "gender.style" voice into its parts and looks up the
// synthesis voice id. A voice without a separator takes its style from the
// separately supplied style.
func ResolveVoice(voice, style string) (gender, voiceStyle, voiceID string) {
	gender, voiceStyle, found := strings.Cut(voice, ".")
	if found {
		voiceStyle, _, _ = strings.Cut(voiceStyle, ".")
	}
	if voiceStyle == "" {
		voiceStyle = style
	}

	voiceID = voiceIDs[gender][voiceStyle]
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	return gender, voiceStyle, voiceID
}

// BuildAssistant renders the start configuration for p. Templates are
// rendered from scratch on every call, so each start substitutes its
// placeholders exactly once.
func BuildAssistant(p Persona) AssistantConfig {
	_, _, voiceID := ResolveVoice(p.Voice, p.Style)

	values := map[string]string{
		"topic":   p.Topic,
		"subject": p.Subject,
		"style":   p.Style,
	}

	return AssistantConfig{
		Name:         "Companion",
		FirstMessage: Interpolate(firstMessageTemplate, values),
		Transcriber: TranscriberConfig{
			Provider: "deepgram",
			Model:    "nova-3",
			Language: "en",
		},
		Voice: VoiceConfig{
			Provider:        "11labs",
			VoiceID:         voiceID,
			Stability:       0.4,
			SimilarityBoost: 0.8,
			Speed:           1,
			Style:           0.5,
			UseSpeakerBoost: true,
		},
		Model: ModelConfig{
			Provider: "openai",
			Model:    "gpt-3.5-turbo",
			Messages: []ModelMessage{{
				Role:    "system",
				Content: Interpolate(systemPromptTemplate, values),
			}},
		},
		ClientMessages: []string{"transcript", "conversation-update"},
		ServerMessages: []string{"transcript"},
	}
}

// Interpolate replaces every {{name}} placeholder whose name is a key of
// values. Whitespace inside the braces is ignored. Unknown names are left as is.
func Interpolate(template string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}

// Validate checks the fields the engine refuses to start without.
func (c AssistantConfig) Validate() error {
	if strings.TrimSpace(c.Voice.VoiceID) == "" {
		return ErrMissingVoiceID
	}
	if strings.TrimSpace(c.Model.Provider) == "" || strings.TrimSpace(c.Model.Model) == "" {
		return ErrMissingModel
	}
	return nil
}
