package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xaenox/companion-bot/internal/history"
	"github.com/xaenox/companion-bot/internal/llm"
)

const systemPromptTemplate = `Отвечай на русском. Используй "ты". Кратко, 2-4 предложения. Без эмодзи.
Ты общаешься как живой человек в чате, не как энциклопедия и не как ассистент. На болтовню отвечай коротко и неформально, как друг.

По умолчанию ты помогаешь с вопросами про %[1]s. Если пользователь спрашивает о конкретном другом городе или стране, отвечай именно про него и не подменяй его на %[1]s.

Если видишь "[PAGE NOT ACCESSIBLE]", страница не загрузилась. Строго запрещено угадывать содержание по URL-адресу или частям ссылки. Поищи информацию по ссылке или событию через веб-поиск, а если не нашёл, честно скажи, что страница недоступна.
Если видишь "[PAYWALL]", статья за пейволлом и доступно только превью. Расскажи, что есть в превью, и упомяни подписку.

Когда в сообщении есть блок [Предыдущий ответ бота], пользователь отвечает на твоё прошлое сообщение. Местоимения и уточнения без предмета ("этот артист", "там", "а завтра?") относятся к названиям из этого ответа: подставь конкретное название перед поиском.`

// placeKeywords mark questions about places and events
var placeKeywords = []string{
	"бар", "ресторан", "кафе", "клуб", "кино", "магазин", "музей", "театр", "галерея",
	"концерт", "мероприятие", "событие", "фестиваль", "выставка", "вечеринка", "шоу",
	"ивент", "event", "афиша", "тусовка", "движ",
	"сегодня", "завтра", "выходные", "вечером", "weekend",
	"куда", "где", "посоветуй", "порекомендуй", "подскажи", "сходить", "пойти",
}

var prepositionPattern = regexp.MustCompile(`(?:^|[^\p{L}])(?:в|во|на|из|про)\s+(\p{L}{3,})`)

// nonLocationWords follow a preposition without naming a place
var nonLocationWords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`
		понедельник вторник среду четверг пятницу субботу воскресенье
		неделю неделе месяц месяце году год выходные выходных
		утро утра вечер вечера ночь ночи день дня
		январе феврале марте апреле мае июне июле августе сентябре октябре ноябре декабре
		этом этой этих том той тех нём ней них каком какой каких нашем нашей любом любой
		ближайшем ближайшей следующем следующей следующую прошлом прошлой прошлую
		центре районе городе стране округе области общем целом итоге основном принципе
		жизни работе школе деле сети интернете курсе группе чате теме наличии меню
		баре ресторане кафе клубе кинотеатре магазине музее театре галерее
		бар ресторан клуб кино магазин музей театр галерею галерея`) {
		nonLocationWords[w] = true
	}
}

// hasOtherLocation reports whether the question names some place after a
// preposition, as in "погода в Малаге"
func hasOtherLocation(lower string) bool {
	for _, m := range prepositionPattern.FindAllStringSubmatch(lower, -1) {
		if !nonLocationWords[m[1]] {
			return true
		}
	}
	return false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// withLocaleHint appends the default locale to place and event questions
// that do not name a location themselves
func (h *Handler) withLocaleHint(question string) string {
	if h.cfg.Locale == "" {
		return question
	}
	lower := strings.ToLower(question)
	if !containsAny(lower, placeKeywords) {
		return question
	}
	if containsAny(lower, h.cfg.LocaleKeywords) || hasOtherLocation(lower) {
		return question
	}
	return fmt.Sprintf("%s (%s)", question, h.cfg.Locale)
}

func (h *Handler) systemPrompt(req *request) string {
	locale := h.cfg.Locale
	if locale == "" {
		locale = "the user's city"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, systemPromptTemplate, locale)
	if facts := lastN(req.userFacts, h.cfg.MaxPromptFacts); len(facts) > 0 {
		sb.WriteString("\n\nТы помнишь про этого человека: ")
		sb.WriteString(strings.Join(facts, ", "))
	}
	if facts := lastN(req.groupFacts, h.cfg.MaxPromptFacts); len(facts) > 0 {
		sb.WriteString("\n\nТы помнишь про эту группу: ")
		sb.WriteString(strings.Join(facts, ", "))
	}
	if req.style != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.style)
	}
	return sb.String()
}

// buildRequest turns the gathered state into model input: the conversation
// so far, then the question with its referenced content and images
func (h *Handler) buildRequest(req *request) llm.Request {
	question := req.question
	if req.reference == "" {
		question = h.withLocaleHint(question)
	}
	text := question
	if req.reference != "" {
		text = req.reference + questionLabel + question
	}

	msgs := make([]llm.Message, 0, len(req.history)+2)
	for _, e := range req.history {
		if e.Role == history.RoleAssistant {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: e.Text})
			continue
		}
		content := e.Text
		if e.Speaker != "" {
			content = e.Speaker + ": " + e.Text
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: content})
	}
	// keep the referenced block out of a merged user turn
	if n := len(msgs); n > 0 && msgs[n-1].Role == llm.RoleUser && req.reference != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: otherMessagesTurn})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text, Images: req.images})

	return llm.Request{
		System:      h.systemPrompt(req),
		Messages:    msgs,
		MaxTokens:   h.cfg.MaxTokens,
		Temperature: h.cfg.Temperature,
	}
}

func lastN(items []string, n int) []string {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}
