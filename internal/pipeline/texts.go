package pipeline

// User-facing replies
const (
	askQuestionText        = "Чё спросить хотел?"
	rateLimitedText        = "Подожди %d сек, не спеши)"
	defaultContentQuestion = "о чём это?"
	defaultImageQuestion   = "что на фото?"
	defaultForwardQuestion = "расскажи об этом"

	streamPlaceholder = "…"
	streamCursor      = "▌"

	apologyTimeout      = "Слишком долго думаю, попробуй ещё раз)"
	apologyUnauthorized = "Ошибка авторизации API, проверь ключ)"
	apologyRateLimited  = "Слишком много запросов, подожди минутку (429)"
	apologyOverloaded   = "Сервер перегружен, попробуй через минуту (%d)"
	apologyUpstream     = "Проблема с API (%d), попробуй позже)"
	apologyConnection   = "Проблема с соединением, попробуй позже)"
	apologyEmpty        = "Не получил ответ от API("
	apologyGeneric      = "Что-то пошло не так("
)

// Labels of the referenced-content block
const (
	forwardedLabel     = "[Forwarded post]: "
	forwardedURLsLabel = "\n[URLs in post]: "
	linksLabel         = "[Message with links]: "
	linksURLsLabel     = "\n[URLs]: "
	botAnswerLabel     = "[Предыдущий ответ бота, на который пользователь отвечает]:\n"
	sharedLinkLabel    = "[Shared link]: "
	articleLabel       = "\n\n[Article content]:\n"
	questionLabel      = "\n\nВопрос пользователя: "
	otherMessagesTurn  = "(другие сообщения в чате)"
)
