package emotion

import (
	"math"
	"strings"
	"unicode"
)

// Label 表示消息的情绪类别。
type Label string

const (
	Calm      Label = "calm"
	Happiness Label = "happiness"
	Sadness   Label = "sadness"
	Surprise  Label = "surprise"
	Fear      Label = "fear"
	Anger     Label = "anger"
	Disgust   Label = "disgust"
)

// Decision 给出情绪类别以及 -1..1 的情感倾向。
type Decision struct {
	Label Label
	Tone  float64
	Score int
}

// Neutral 无法推断时的默认结果
var Neutral = Decision{Label: Calm, Tone: 0, Score: 0}

var valence = map[Label]float64{
	Anger:     -0.8,
	Disgust:   -0.6,
	Fear:      -0.7,
	Sadness:   -0.5,
	Surprise:  0.4,
	Happiness: 0.8,
	Calm:      0.3,
}

// Valence 返回情绪类别的标称倾向
func Valence(label Label) float64 {
	return valence[label]
}

var keywordBuckets = map[Label][]string{
	Happiness: {
		"happy", "glad", "great", "awesome", "love", "thanks", "thank you", "wonderful", "lol", "haha",
		"рад", "радость", "счастлив", "спасибо", "отлично", "здорово", "люблю", "класс", "ура", "хорошо",
	},
	Sadness: {
		"sad", "unhappy", "cry", "depressed", "lonely", "miss you", "upset", "hurt", "sorrow",
		"грустно", "печаль", "плачу", "тоска", "одиноко", "скучаю", "обидно", "жаль", "расстроен",
	},
	Anger: {
		"angry", "furious", "rage", "mad", "annoyed", "hate", "pissed",
		"злой", "злюсь", "бесит", "ненавижу", "ярость", "раздражает", "достало",
	},
	Fear: {
		"afraid", "scared", "fear", "terrified", "anxious", "panic", "worried",
		"страшно", "боюсь", "страх", "тревога", "паника", "волнуюсь", "ужас",
	},
	Surprise: {
		"wow", "surprised", "unbelievable", "unexpected", "no way", "omg",
		"ого", "вау", "неожиданно", "удивлен", "удивительно", "невероятно", "ничего себе",
	},
	Disgust: {
		"disgusting", "gross", "nasty", "yuck", "ew",
		"отвратительно", "мерзко", "фу", "противно", "гадость",
	},
}

// Analyze 根据文本关键词推断情绪与情感倾向。
func Analyze(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Neutral
	}

	words := tokenize(normalized)
	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, keyword := range keywords {
			if matches(normalized, words, keyword) {
				scores[label] += 3
			}
		}
	}

	exclamations := strings.Count(text, "!")
	if exclamations > 0 {
		// 感叹号只放大已经出现的情绪。
		for label := range scores {
			scores[label] += exclamations
		}
	}
	if strings.Contains(text, "?!") || strings.Contains(text, "!?") {
		scores[Surprise] += 2
	}

	best := Calm
	bestScore := 0
	for _, label := range []Label{Happiness, Sadness, Anger, Fear, Surprise, Disgust} {
		if scores[label] > bestScore {
			best = label
			bestScore = scores[label]
		}
	}

	if bestScore == 0 {
		return Neutral
	}

	return Decision{Label: best, Tone: ToneFor(best, strength(bestScore)), Score: bestScore}
}

// ToneFor 按置信度缩放倾向并限制在 [-1, 1]
func ToneFor(label Label, confidence float64) float64 {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return clampTone(valence[label] * confidence)
}

func strength(score int) float64 {
	// 一个关键词约 0.6，多个关键词逐渐逼近 1。
	return 1 - math.Exp(-float64(score)/3.3)
}

func clampTone(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r == '\'' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	words := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		words[f] = struct{}{}
	}
	return words
}

// matches 短关键词按整词匹配，避免 "ew" 命中 "new" 之类的误判。
func matches(text string, words map[string]struct{}, keyword string) bool {
	if strings.Contains(keyword, " ") || len([]rune(keyword)) > 4 {
		return strings.Contains(text, keyword)
	}
	_, ok := words[keyword]
	return ok
}
