package emotion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/chat-relay/backend/internal/analysis/emotion"
)

// Config 控制情绪标注服务的行为。
type Config struct {
	Enabled bool
}

// Subject 待标注的内容，无文本的语音消息会带上 VoiceURL
type Subject struct {
	Text     string
	VoiceURL string
}

// Annotation 写回消息的标注结果
type Annotation struct {
	Tone   float64
	Label  string
	Source string
}

const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic"
	SourceDefault   = "default"
	SourceVoice     = "voice"
)

// Service 使用大模型对消息情绪进行标注，并在必要时回退到关键词规则。
type Service struct {
	enabled    bool
	classifier compose.Runnable[map[string]any, *schema.Message]
	fallback   func(text string) analysis.Decision
}

// NewService 创建情绪标注服务。chatModel 为空时仅使用启发式规则。
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config) (*Service, error) {
	svc := &Service{
		enabled:  cfg.Enabled && chatModel != nil,
		fallback: analysis.Analyze,
	}

	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(emotionSystemPrompt),
		schema.UserMessage(emotionUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile emotion classifier chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回是否启用了大模型分类。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Annotate 返回消息的情绪类别和倾向，不会失败，分类器出错时回退到关键词规则
func (s *Service) Annotate(ctx context.Context, subject Subject) Annotation {
	text := strings.TrimSpace(subject.Text)
	if text == "" {
		if subject.VoiceURL != "" {
			// 语音消息没有可用的识别模型，写入中性默认值。
			log.Printf("[emotion] no speech model for %s, using neutral voice default", subject.VoiceURL)
			return Annotation{Tone: 0, Label: string(analysis.Calm), Source: SourceVoice}
		}
		return Annotation{Tone: 0, Label: string(analysis.Calm), Source: SourceDefault}
	}

	if !s.Enabled() {
		return s.heuristic(text)
	}

	msg, err := s.classifier.Invoke(ctx, map[string]any{"message": text})
	if err != nil {
		log.Printf("[emotion] classifier invoke failed, use fallback: %v", err)
		return s.heuristic(text)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return s.heuristic(text)
	}

	result, err := parseClassifierOutput(msg.Content)
	if err != nil {
		log.Printf("[emotion] classifier output parse failed, use fallback: %v", err)
		return s.heuristic(text)
	}

	label, ok := parseEmotionLabel(result.Emotion)
	if !ok {
		return s.heuristic(text)
	}

	tone := result.Tone
	if tone == 0 && label != analysis.Calm {
		confidence := result.Confidence
		if confidence <= 0 {
			confidence = 0.6
		}
		tone = analysis.ToneFor(label, confidence)
	}

	return Annotation{Tone: clampTone(tone), Label: string(label), Source: SourceModel}
}

func (s *Service) heuristic(text string) Annotation {
	fallback := s.fallback
	if fallback == nil {
		fallback = analysis.Analyze
	}
	decision := fallback(text)
	return Annotation{Tone: decision.Tone, Label: string(decision.Label), Source: SourceHeuristic}
}

// parseClassifierOutput 解析大模型返回的 JSON。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func parseEmotionLabel(raw string) (analysis.Label, bool) {
	switch analysis.Label(strings.ToLower(strings.TrimSpace(raw))) {
	case analysis.Calm, "neutral":
		return analysis.Calm, true
	case analysis.Happiness, "happy", "joy":
		return analysis.Happiness, true
	case analysis.Sadness, "sad":
		return analysis.Sadness, true
	case analysis.Surprise, "surprised":
		return analysis.Surprise, true
	case analysis.Fear, "scared":
		return analysis.Fear, true
	case analysis.Anger, "angry":
		return analysis.Anger, true
	case analysis.Disgust, "disgusted":
		return analysis.Disgust, true
	default:
		return "", false
	}
}

func clampTone(val float64) float64 {
	if val < -1 {
		return -1
	}
	if val > 1 {
		return 1
	}
	return val
}

type classifierPayload struct {
	Emotion    string  `json:"emotion"`
	Tone       float64 `json:"tone"`
	Confidence float64 `json:"confidence"`
}

const emotionSystemPrompt = "You classify the emotion of a single chat message. The message may be in English or Russian.\nReturn only one JSON object with fields: emotion (one of calm/happiness/sadness/surprise/fear/anger/disgust), tone (number between -1 and 1, negative for unpleasant), confidence (number between 0 and 1). Do not output anything else."

const emotionUserPrompt = "Message:\n{message}"
