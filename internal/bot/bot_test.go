package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/companion-bot/internal/history"
	"github.com/xaenox/companion-bot/internal/llm"
	"github.com/xaenox/companion-bot/internal/memory"
	"github.com/xaenox/companion-bot/internal/models"
	"github.com/xaenox/companion-bot/internal/pipeline"
	"github.com/xaenox/companion-bot/internal/ratelimit"
	"github.com/xaenox/companion-bot/internal/router"
	"github.com/xaenox/companion-bot/internal/spontaneous"
	"github.com/xaenox/companion-bot/internal/storage"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int
	sendErr  error
	status   string
	fileURL  string
	updates  chan tgbotapi.Update
	stopped  bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{status: "member", updates: make(chan tgbotapi.Update, 10)}
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: 100 + f.nextID}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(fileID string) (string, error) {
	if f.fileURL == "" {
		return "", errors.New("file not found")
	}
	return f.fileURL + "/" + fileID, nil
}

func (f *fakeAPI) GetChatMember(tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	return tgbotapi.ChatMember{Status: f.status}, nil
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

type fakeCleaner struct {
	stats memory.CleanupStats
	err   error
}

func (c fakeCleaner) RunCleanup(context.Context) (memory.CleanupStats, error) {
	return c.stats, c.err
}

type recorder struct {
	mu       sync.Mutex
	handled  []*models.Message
	observed []*models.Message
}

func (r *recorder) Handle(_ context.Context, msg *models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, msg)
}

func (r *recorder) Observe(_ context.Context, msg *models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, msg)
	return false
}

var identity = router.Identity{ID: 7, Username: "companion_bot"}

func newTestBot(t *testing.T) (*Bot, *fakeAPI, *memory.Service) {
	t.Helper()
	api := newFakeAPI()
	mem := memory.NewService(storage.NewMemoryStorage(), memory.DefaultConfig(), zap.NewNop())
	cfg := DefaultConfig()
	cfg.DisplayNames = map[string]string{"vitalina_b": "Виталина"}
	b := New(api, identity, cfg, mem, fakeCleaner{stats: memory.CleanupStats{Scanned: 3, Deleted: 5}}, zap.NewNop())
	return b, api, mem
}

func privateChat() *tgbotapi.Chat { return &tgbotapi.Chat{ID: 42, Type: "private"} }
func groupChat() *tgbotapi.Chat   { return &tgbotapi.Chat{ID: -1001, Type: "supergroup"} }

func command(chat *tgbotapi.Chat, from *tgbotapi.User, text string) *tgbotapi.Message {
	name := strings.SplitN(text, " ", 2)[0]
	return &tgbotapi.Message{
		MessageID: 10,
		Chat:      chat,
		From:      from,
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func ann() *tgbotapi.User { return &tgbotapi.User{ID: 42, UserName: "ann", FirstName: "Ann"} }

func TestConvertGroupMessage(t *testing.T) {
	b, _, _ := newTestBot(t)
	text := "глянь https://example.com и вот это @companion_bot"
	message := &tgbotapi.Message{
		MessageID: 5,
		Date:      1714564800,
		Chat:      groupChat(),
		From:      &tgbotapi.User{ID: 9, UserName: "vitalina_b", FirstName: "Vita"},
		Text:      text,
		Entities: []tgbotapi.MessageEntity{
			{Type: "url", Offset: 6, Length: 19},
			{Type: "bold", Offset: 0, Length: 5},
			{Type: "text_link", Offset: 28, Length: 3, URL: "https://example.org/post"},
			{Type: "mention", Offset: 36, Length: 14},
		},
		ReplyToMessage: &tgbotapi.Message{
			MessageID: 4,
			Chat:      groupChat(),
			From:      &tgbotapi.User{ID: 7, UserName: "companion_bot", IsBot: true},
			Caption:   "афиша",
			Photo: []tgbotapi.PhotoSize{
				{FileID: "small", Width: 90, Height: 90},
				{FileID: "large", Width: 1280, Height: 960},
				{FileID: "medium", Width: 320, Height: 240},
			},
		},
	}

	msg := b.convert(message)
	assert.Equal(t, 5, msg.ID)
	assert.Equal(t, int64(-1001), msg.ConversationID)
	assert.Equal(t, models.GroupChat, msg.ChatType)
	assert.Equal(t, "Виталина", msg.SpeakerName())
	assert.Equal(t, time.Unix(1714564800, 0), msg.Date)
	assert.False(t, msg.Forwarded)

	require.Len(t, msg.Entities, 3, "formatting entities are dropped")
	assert.Equal(t, models.EntityURL, msg.Entities[0].Type)
	assert.Equal(t, models.EntityTextLink, msg.Entities[1].Type)
	assert.Equal(t, "https://example.org/post", msg.Entities[1].URL)
	assert.Equal(t, models.EntityMention, msg.Entities[2].Type)
	assert.Equal(t, []string{"https://example.com", "https://example.org/post"}, msg.URLs())

	require.NotNil(t, msg.ReplyTo)
	assert.True(t, router.IsReplyToBot(msg, identity))
	assert.Equal(t, "афиша", msg.ReplyTo.Content())
	assert.Equal(t, []models.ImageRef{{FileID: "large"}}, msg.ReplyTo.Images)
}

func TestConvertForwardedCaption(t *testing.T) {
	b, _, _ := newTestBot(t)
	message := &tgbotapi.Message{
		MessageID:       6,
		Chat:            privateChat(),
		From:            ann(),
		Caption:         "https://example.com/event",
		CaptionEntities: []tgbotapi.MessageEntity{{Type: "url", Offset: 0, Length: 25}},
		ForwardFromChat: &tgbotapi.Chat{ID: -500, Type: "channel"},
	}

	msg := b.convert(message)
	assert.Equal(t, models.PrivateChat, msg.ChatType)
	assert.True(t, msg.Forwarded)
	assert.Equal(t, "Ann", msg.SpeakerName())
	require.Len(t, msg.Entities, 1)
	assert.Equal(t, []string{"https://example.com/event"}, msg.URLs())
}

func TestReplySplitsLongText(t *testing.T) {
	b, api, _ := newTestBot(t)
	text := strings.Repeat("a", 3990) + "\n" + strings.Repeat("b", 3998) + "\n" + "tail"

	id, err := b.Reply(context.Background(), -1001, 55, text)
	require.NoError(t, err)
	assert.Equal(t, 101, id)

	require.Len(t, api.sent, 3)
	first := api.sent[0].(tgbotapi.MessageConfig)
	assert.Equal(t, 55, first.ReplyToMessageID)
	assert.Zero(t, api.sent[1].(tgbotapi.MessageConfig).ReplyToMessageID)
	assert.Equal(t, "tail", api.sent[2].(tgbotapi.MessageConfig).Text)
}

func TestReplyError(t *testing.T) {
	b, api, _ := newTestBot(t)
	api.sendErr = errors.New("Bad Request: chat not found")

	_, err := b.Reply(context.Background(), 1, 0, "hi")
	assert.ErrorContains(t, err, "chat not found")
}

func TestEditIgnoresNotModified(t *testing.T) {
	b, api, _ := newTestBot(t)
	require.NoError(t, b.Edit(context.Background(), 1, 2, "new text"))
	edit := api.sent[0].(tgbotapi.EditMessageTextConfig)
	assert.Equal(t, 2, edit.MessageID)
	assert.Equal(t, "new text", edit.Text)

	api.sendErr = errors.New("Bad Request: message is not modified")
	assert.NoError(t, b.Edit(context.Background(), 1, 2, "new text"))
}

func TestTyping(t *testing.T) {
	b, api, _ := newTestBot(t)
	require.NoError(t, b.Typing(context.Background(), 42))
	require.Len(t, api.requests, 1)
	action := api.requests[0].(tgbotapi.ChatActionConfig)
	assert.Equal(t, tgbotapi.ChatTyping, action.Action)
}

func TestDownloadImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n" + strings.Repeat("\x00", 64))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	b, api, _ := newTestBot(t)
	api.fileURL = srv.URL

	img, err := b.DownloadImage(context.Background(), models.ImageRef{FileID: "photo"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, png, img.Data)

	_, err = b.DownloadImage(context.Background(), models.ImageRef{FileID: "missing"})
	assert.ErrorContains(t, err, "status 404")

	b.cfg.MaxImageBytes = 16
	_, err = b.DownloadImage(context.Background(), models.ImageRef{FileID: "photo"})
	assert.ErrorContains(t, err, "exceeds")

	api.fileURL = ""
	_, err = b.DownloadImage(context.Background(), models.ImageRef{FileID: "photo"})
	assert.Error(t, err)
}

func TestRememberCommand(t *testing.T) {
	ctx := context.Background()
	b, api, mem := newTestBot(t)

	b.handleCommand(ctx, command(privateChat(), ann(), "/remember люблю IPA"))
	assert.Equal(t, []string{"ann: люблю IPA"}, mem.Facts.List(ctx, models.UserOf(42)))

	vita := &tgbotapi.User{ID: 9, UserName: "vitalina_b"}
	b.handleCommand(ctx, command(groupChat(), vita, "/remember@companion_bot хожу на джаз"))
	assert.Equal(t, []string{"Виталина: хожу на джаз"}, mem.Facts.List(ctx, models.GroupOf(-1001)))
	assert.Empty(t, mem.Facts.List(ctx, models.UserOf(9)))

	b.handleCommand(ctx, command(privateChat(), ann(), "/remember"))
	b.handleCommand(ctx, command(privateChat(), ann(), "/remember "+strings.Repeat("я", 501)))

	assert.Equal(t, []string{rememberedText, rememberedText, rememberUsageText, "Слишком длинно, напиши покороче (до 500 символов)"}, api.texts())
	assert.Len(t, mem.Facts.List(ctx, models.UserOf(42)), 1)
}

func TestForgetRequiresAdminInGroups(t *testing.T) {
	ctx := context.Background()
	b, api, mem := newTestBot(t)
	require.NoError(t, mem.Facts.Save(ctx, models.GroupOf(-1001), "группа любит кино"))
	require.NoError(t, mem.Facts.Save(ctx, models.UserOf(42), "ann: любит IPA"))

	b.handleCommand(ctx, command(groupChat(), ann(), "/forget"))
	assert.Len(t, mem.Facts.List(ctx, models.GroupOf(-1001)), 1)

	api.status = "administrator"
	b.handleCommand(ctx, command(groupChat(), ann(), "/forget"))
	assert.Empty(t, mem.Facts.List(ctx, models.GroupOf(-1001)))
	assert.Len(t, mem.Facts.List(ctx, models.UserOf(42)), 1, "group forget keeps user facts")

	api.status = "member"
	b.handleCommand(ctx, command(privateChat(), ann(), "/forget"))
	assert.Empty(t, mem.Facts.List(ctx, models.UserOf(42)))

	assert.Equal(t, []string{adminOnlyText, forgotText, forgotText}, api.texts())
}

func TestMemoryCommand(t *testing.T) {
	ctx := context.Background()
	b, api, mem := newTestBot(t)

	b.handleCommand(ctx, command(privateChat(), ann(), "/memory"))
	b.handleCommand(ctx, command(groupChat(), ann(), "/memory"))

	require.NoError(t, mem.Facts.Save(ctx, models.UserOf(42), "ann: любит IPA."))
	require.NoError(t, mem.Facts.Save(ctx, models.GroupOf(-1001), "по пятницам кино"))
	b.handleCommand(ctx, command(privateChat(), ann(), "/memory"))
	b.handleCommand(ctx, command(groupChat(), ann(), "/memory"))

	texts := api.texts()
	require.Len(t, texts, 4)
	assert.Equal(t, nothingAboutText, texts[0])
	assert.Equal(t, nothingYetText, texts[1])
	assert.Equal(t, "*Что я помню про тебя:*\n\n\\- ann: любит IPA\\.", texts[2])
	assert.Equal(t, "*Про ann:*\n\\- ann: любит IPA\\.\n\n*Про группу:*\n\\- по пятницам кино", texts[3])
	assert.Equal(t, tgbotapi.ModeMarkdownV2, api.sent[3].(tgbotapi.MessageConfig).ParseMode)
}

func TestQuietCommand(t *testing.T) {
	ctx := context.Background()
	b, api, mem := newTestBot(t)

	b.handleCommand(ctx, command(privateChat(), ann(), "/quiet"))
	b.handleCommand(ctx, command(groupChat(), ann(), "/quiet"))
	assert.False(t, mem.Quiet.IsQuiet(ctx, -1001))

	api.status = "creator"
	b.handleCommand(ctx, command(groupChat(), ann(), "/quiet"))
	assert.True(t, mem.Quiet.IsQuiet(ctx, -1001))
	b.handleCommand(ctx, command(groupChat(), ann(), "/quiet"))
	assert.False(t, mem.Quiet.IsQuiet(ctx, -1001))

	assert.Equal(t, []string{groupOnlyText, adminOnlyText, quietOnText, quietOffText}, api.texts())
}

func TestCleanupCommand(t *testing.T) {
	ctx := context.Background()
	b, api, _ := newTestBot(t)

	b.handleCommand(ctx, command(groupChat(), ann(), "/cleanup"))
	b.handleCommand(ctx, command(privateChat(), ann(), "/cleanup"))

	b.cleaner = fakeCleaner{err: errors.New("scan failed")}
	b.handleCommand(ctx, command(privateChat(), ann(), "/cleanup"))

	assert.Equal(t, []string{
		adminOnlyText,
		cleanupStartText, "Готово! Просканировано: 3, удалено: 5",
		cleanupStartText, cleanupFailedText,
	}, api.texts())
}

func TestCommandsForOtherBotsIgnored(t *testing.T) {
	ctx := context.Background()
	b, api, _ := newTestBot(t)

	b.handleCommand(ctx, command(groupChat(), ann(), "/help@other_bot"))
	b.handleCommand(ctx, command(groupChat(), ann(), "/stats"))
	assert.Empty(t, api.texts())

	b.handleCommand(ctx, command(groupChat(), ann(), "/help@Companion_Bot"))
	b.handleCommand(ctx, command(privateChat(), ann(), "/stats"))
	assert.Equal(t, []string{helpText, unknownText}, api.texts())
}

func TestStartDispatchesUpdates(t *testing.T) {
	defer goleak.VerifyNone(t)
	b, api, _ := newTestBot(t)
	rec := &recorder{}

	api.updates <- tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 1, Chat: groupChat(), From: ann(), Text: "всем привет"}}
	api.updates <- tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 2, Chat: privateChat(), From: ann(), Text: "где поесть?"}}
	api.updates <- tgbotapi.Update{EditedMessage: &tgbotapi.Message{MessageID: 3, Chat: privateChat(), Text: "edit"}}
	api.updates <- tgbotapi.Update{Message: command(privateChat(), ann(), "/start")}
	close(api.updates)

	require.NoError(t, b.Start(context.Background(), rec, rec))

	assert.Len(t, rec.handled, 2)
	require.Len(t, rec.observed, 1, "only group messages are observed")
	assert.Equal(t, "всем привет", rec.observed[0].Text)
	assert.Equal(t, []string{startText}, api.texts())
}

func TestStartStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	b, api, _ := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Start(ctx, &recorder{}, nil) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.True(t, api.stopped)
}

func TestPanicInHandlerIsRecovered(t *testing.T) {
	b, _, _ := newTestBot(t)
	b.handler = panicHandler{}
	assert.NotPanics(t, func() {
		b.handleMessage(context.Background(), &tgbotapi.Message{MessageID: 1, Chat: privateChat(), From: ann(), Text: "hi"})
	})
}

type panicHandler struct{}

func (panicHandler) Handle(context.Context, *models.Message) { panic("boom") }

type scriptedModel struct {
	mu       sync.Mutex
	requests []llm.Request
}

func (m *scriptedModel) Complete(_ context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return "ответ", nil
}

func (m *scriptedModel) Stream(ctx context.Context, req llm.Request, onDelta func(string)) (string, error) {
	answer, err := m.Complete(ctx, req)
	onDelta(answer)
	return answer, err
}

func (m *scriptedModel) request(t *testing.T, i int) llm.Request {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Greater(t, len(m.requests), i)
	return m.requests[i]
}

// wire connects a real pipeline and spontaneous scheduler to b. Every draw
// passes, so only the counters decide whether a remark is made.
func wire(t *testing.T, b *Bot, mem *memory.Service, model llm.Client) *spontaneous.Scheduler {
	t.Helper()
	contexts := history.NewContextStore(history.DefaultConfig(), mem.Recent, zap.NewNop())

	cfg := spontaneous.DefaultConfig()
	cfg.Probability = 1
	cfg.Location = time.UTC
	noon := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	scheduler := spontaneous.NewWithSource(cfg, identity, spontaneous.Deps{
		Sender:   b,
		Model:    model,
		Contexts: contexts,
		Mute:     mem.Quiet,
		Recent:   mem.Recent,
	}, zap.NewNop(), func() time.Time { return noon }, func() float64 { return 0 })

	handler := pipeline.New(pipeline.DefaultConfig(), identity, pipeline.Deps{
		Transport: b,
		Model:     model,
		Limiter:   ratelimit.New(ratelimit.DefaultConfig()),
		Contexts:  contexts,
		Memory:    mem,
		Observer:  scheduler,
	}, zap.NewNop())

	b.handler = handler
	b.observer = scheduler
	t.Cleanup(func() {
		handler.Wait()
		scheduler.Wait()
	})
	return scheduler
}

func groupText(id int, text string) *tgbotapi.Message {
	msg := &tgbotapi.Message{MessageID: id, Chat: groupChat(), From: ann(), Text: text}
	if mention := "@" + identity.Username; strings.HasPrefix(text, mention) {
		msg.Entities = []tgbotapi.MessageEntity{{Type: "mention", Offset: 0, Length: len(mention)}}
	}
	return msg
}

func countContaining(msgs []llm.Message, text string) int {
	n := 0
	for _, m := range msgs {
		if strings.Contains(m.Content, text) {
			n++
		}
	}
	return n
}

func TestQuestionReachesModelOnce(t *testing.T) {
	b, _, mem := newTestBot(t)
	model := &scriptedModel{}
	ctx := context.Background()

	scheduler := wire(t, b, mem, model)
	b.handleMessage(ctx, groupText(1, "@companion_bot как дела у всех сегодня"))
	scheduler.Wait()

	first := model.request(t, 0)
	assert.Equal(t, 1, countContaining(first.Messages, "как дела у всех сегодня"))

	recent, err := mem.Recent.ChatMessages(ctx, groupChat().ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1, "stored once the reply is done")

	// a restart loses the in-memory context; the durable buffer replays it
	scheduler = wire(t, b, mem, model)
	b.handleMessage(ctx, groupText(2, "@companion_bot а что завтра"))
	scheduler.Wait()

	second := model.request(t, 1)
	assert.Equal(t, 1, countContaining(second.Messages, "как дела у всех сегодня"))
	assert.Equal(t, 1, countContaining(second.Messages, "а что завтра"))
	assert.Contains(t, second.Messages[len(second.Messages)-1].Content, "а что завтра")
}

func TestAddressedMessageGetsNoSpontaneousRemark(t *testing.T) {
	b, api, mem := newTestBot(t)
	ctx := context.Background()
	scheduler := wire(t, b, mem, &scriptedModel{})

	for i := 1; i <= 4; i++ {
		b.handleMessage(ctx, groupText(i, fmt.Sprintf("болтаем %d", i)))
	}
	require.Equal(t, 4, scheduler.MessagesSinceReply(groupChat().ID))

	b.handleMessage(ctx, groupText(5, "@companion_bot как дела?"))
	assert.Equal(t, []string{"ответ"}, api.texts(), "only the regular answer")
	assert.Equal(t, 1, scheduler.MessagesSinceReply(groupChat().ID))

	// the counter keeps going from the reply, so the remark comes later
	for i := 6; i <= 9; i++ {
		b.handleMessage(ctx, groupText(i, fmt.Sprintf("болтаем %d", i)))
	}
	assert.Equal(t, []string{"ответ", "ответ"}, api.texts())
	assert.Zero(t, scheduler.MessagesSinceReply(groupChat().ID))
}
