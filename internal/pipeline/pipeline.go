package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xaenox/companion-bot/internal/extractor"
	"github.com/xaenox/companion-bot/internal/history"
	"github.com/xaenox/companion-bot/internal/llm"
	"github.com/xaenox/companion-bot/internal/memory"
	"github.com/xaenox/companion-bot/internal/models"
	"github.com/xaenox/companion-bot/internal/ratelimit"
	"github.com/xaenox/companion-bot/internal/router"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Transport is the outbound side of the chat platform
type Transport interface {
	// Reply sends text as a reply to replyTo and returns the new message id
	Reply(ctx context.Context, conversationID int64, replyTo int, text string) (int, error)
	Edit(ctx context.Context, conversationID int64, messageID int, text string) error
	Typing(ctx context.Context, conversationID int64) error
	DownloadImage(ctx context.Context, ref models.ImageRef) (llm.Image, error)
}

type URLFetcher interface {
	Fetch(ctx context.Context, rawURL string) string
}

type StyleSource interface {
	Summary(ctx context.Context, userID int64) string
}

// ReplyObserver is told about every reply the bot sends to a conversation
type ReplyObserver interface {
	RecordBotReplied(conversationID int64)
}

type Config struct {
	Locale          string
	LocaleKeywords  []string
	ModelTimeout    time.Duration
	LearnTimeout    time.Duration
	MaxTokens       int
	Temperature     float64
	StreamReplies   bool
	StreamInterval  time.Duration
	MaxImages       int
	MaxPromptFacts  int
	MinArticleLen   int
	MaxReferenceURL int
	// MaxMessageLen is the longest text one chat message can carry
	MaxMessageLen int
}

func DefaultConfig() Config {
	return Config{
		Locale:          "Tallinn, Estonia",
		LocaleKeywords:  []string{"таллин", "tallinn", "эстони", "estonia"},
		ModelTimeout:    30 * time.Second,
		LearnTimeout:    60 * time.Second,
		MaxTokens:       1000,
		Temperature:     0.7,
		StreamInterval:  time.Second,
		MaxImages:       3,
		MaxPromptFacts:  5,
		MinArticleLen:   100,
		MaxReferenceURL: 5,
		MaxMessageLen:   4000,
	}
}

// Deps are the collaborators of the pipeline. Fetcher, Style, Extractor and
// Observer are optional.
type Deps struct {
	Transport Transport
	Model     llm.Client
	Fetcher   URLFetcher
	Limiter   *ratelimit.RateLimiter
	Contexts  *history.ContextStore
	Memory    *memory.Service
	Style     StyleSource
	Extractor extractor.Extractor
	Observer  ReplyObserver
}

// Handler runs one inbound message through routing, enrichment, the model
// call and bookkeeping. Every routed message gets some reply.
type Handler struct {
	cfg    Config
	deps   Deps
	bot    router.Identity
	logger *zap.Logger

	learning sync.WaitGroup
}

func New(cfg Config, bot router.Identity, deps Deps, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		deps:   deps,
		bot:    bot,
		logger: logger.Named("pipeline"),
	}
}

// Wait blocks until background learning tasks have finished
func (h *Handler) Wait() {
	h.learning.Wait()
}

// request is the state accumulated for one routed message
type request struct {
	msg       *models.Message
	speaker   string
	question  string
	reference string
	images    []llm.Image

	history    []history.Entry
	userFacts  []string
	groupFacts []string
	style      string
}

func (h *Handler) Handle(ctx context.Context, msg *models.Message) {
	if msg == nil {
		return
	}
	timer := newTimer(h.logger, msg.ConversationID)

	routed := false
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Recovered from panic in message pipeline",
				zap.Int64("chat_id", msg.ConversationID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			if routed {
				h.send(ctx, msg, apologyGeneric)
			}
		}
	}()

	h.deps.Contexts.EvictStale()
	h.deps.Limiter.Sweep()

	speaker := msg.SpeakerName()
	if speaker == "" {
		speaker = "user"
	}

	if !router.ShouldRespond(msg, h.bot) {
		if content := msg.Content(); content != "" && !msg.IsPrivate() {
			h.deps.Contexts.Append(msg.ConversationID, history.RoleUser, speaker, content)
		}
		return
	}
	routed = true
	timer.checkpoint("routing")

	req := &request{
		msg:      msg,
		speaker:  speaker,
		question: router.StripMention(msg.Content(), h.bot),
	}

	h.resolveReference(req)
	timer.checkpoint("parse")

	h.enrich(ctx, req)
	timer.checkpoint("url_fetch")

	if !h.gate(ctx, req) {
		return
	}

	if limited, remaining := h.deps.Limiter.Check(msg.From.ID); limited {
		if content := msg.Content(); content != "" && !msg.IsPrivate() {
			h.deps.Contexts.Append(msg.ConversationID, history.RoleUser, speaker, content)
		}
		h.send(ctx, msg, fmt.Sprintf(rateLimitedText, remaining))
		return
	}

	if err := h.deps.Transport.Typing(ctx, msg.ConversationID); err != nil {
		h.logger.Debug("Failed to send typing action", zap.Error(err))
	}

	h.gather(ctx, req)
	timer.checkpoint("memory")

	h.loadImages(ctx, req)
	timer.checkpoint("photos")

	answer, delivered, err := h.query(ctx, req)
	timer.checkpoint("model")
	if err != nil {
		text := apology(err)
		kind, status := llm.Classify(err)
		h.logger.Error("Model query failed",
			zap.Int64("chat_id", msg.ConversationID),
			zap.Int64("user_id", msg.From.ID),
			zap.Stringer("kind", kind),
			zap.Int("status", status),
			zap.Error(err))
		if delivered != 0 {
			h.edit(ctx, msg.ConversationID, delivered, text)
		} else {
			h.send(ctx, msg, text)
		}
		return
	}

	h.commit(ctx, req, answer)

	if delivered == 0 {
		h.send(ctx, msg, answer)
	}
	if h.deps.Observer != nil {
		h.deps.Observer.RecordBotReplied(msg.ConversationID)
	}
	timer.checkpoint("reply_sent")
	timer.done()

	h.learn(req, answer)
}

// gate asks for a question when there is nothing to work with and fills in
// a default question for bare content. It reports whether to continue.
func (h *Handler) gate(ctx context.Context, req *request) bool {
	hasImage := req.msg.HasImage() || req.msg.ReplyTo.HasImage()
	if req.question == "" && req.reference == "" && !hasImage {
		h.send(ctx, req.msg, askQuestionText)
		return false
	}
	if req.question == "" && req.reference != "" {
		req.question = defaultContentQuestion
	}
	if req.question == "" && hasImage {
		req.question = defaultImageQuestion
	}
	return true
}

// gather reads context, facts and style concurrently. Every source degrades
// to empty on failure.
func (h *Handler) gather(ctx context.Context, req *request) {
	msg := req.msg
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		req.history = h.deps.Contexts.ReadWithFallback(gctx, msg.ConversationID, msg.IsPrivate())
		return nil
	})
	g.Go(func() error {
		req.userFacts = h.deps.Memory.Facts.List(gctx, models.UserOf(msg.From.ID))
		return nil
	})
	if !msg.IsPrivate() {
		g.Go(func() error {
			req.groupFacts = h.deps.Memory.Facts.List(gctx, models.GroupOf(msg.ConversationID))
			return nil
		})
	}
	if h.deps.Style != nil {
		g.Go(func() error {
			req.style = h.deps.Style.Summary(gctx, msg.From.ID)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Handler) loadImages(ctx context.Context, req *request) {
	var refs []models.ImageRef
	refs = append(refs, req.msg.Images...)
	if req.msg.ReplyTo != nil {
		refs = append(refs, req.msg.ReplyTo.Images...)
	}
	for _, ref := range refs {
		if len(req.images) >= h.cfg.MaxImages {
			break
		}
		img, err := h.deps.Transport.DownloadImage(ctx, ref)
		if err != nil {
			h.logger.Warn("Failed to download image",
				zap.String("file_id", ref.FileID),
				zap.Error(err))
			continue
		}
		req.images = append(req.images, img)
	}
}

// query calls the model. With streaming enabled the answer is delivered by
// editing a placeholder, whose id is returned.
func (h *Handler) query(ctx context.Context, req *request) (string, int, error) {
	llmReq := h.buildRequest(req)

	h.logger.Info("Querying model",
		zap.Int64("chat_id", req.msg.ConversationID),
		zap.Int64("user_id", req.msg.From.ID),
		zap.String("question", history.Truncate(req.question, 120)),
		zap.Int("reference_chars", len(req.reference)),
		zap.Int("context_entries", len(req.history)),
		zap.Int("images", len(req.images)))

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ModelTimeout)
	defer cancel()

	if !h.cfg.StreamReplies {
		answer, err := h.deps.Model.Complete(ctx, llmReq)
		if err != nil {
			return "", 0, err
		}
		answer = llm.CleanResponse(answer)
		if answer == "" {
			return "", 0, llm.ErrEmptyResponse
		}
		return answer, 0, nil
	}
	return h.stream(ctx, req, llmReq)
}

func (h *Handler) stream(ctx context.Context, req *request, llmReq llm.Request) (string, int, error) {
	conv := req.msg.ConversationID
	placeholder, err := h.deps.Transport.Reply(ctx, conv, req.msg.ID, streamPlaceholder)
	if err != nil {
		return "", 0, fmt.Errorf("error sending placeholder: %w", err)
	}

	var (
		sb       strings.Builder
		lastEdit time.Time
	)
	full, err := h.deps.Model.Stream(ctx, llmReq, func(delta string) {
		sb.WriteString(delta)
		now := time.Now()
		if now.Sub(lastEdit) < h.cfg.StreamInterval || strings.TrimSpace(sb.String()) == "" {
			return
		}
		lastEdit = now
		h.edit(ctx, conv, placeholder, sb.String()+streamCursor)
	})
	if err != nil {
		return "", placeholder, err
	}

	answer := llm.CleanResponse(full)
	if answer == "" {
		return "", placeholder, llm.ErrEmptyResponse
	}
	chunks := history.Split(answer, h.cfg.MaxMessageLen)
	h.edit(ctx, conv, placeholder, chunks[0])
	for _, chunk := range chunks[1:] {
		h.send(ctx, req.msg, chunk)
	}
	return answer, placeholder, nil
}

// commit records the finished exchange. The question is appended after the
// context was read so it never shows up twice in the model input.
func (h *Handler) commit(ctx context.Context, req *request, answer string) {
	msg := req.msg
	h.deps.Limiter.Commit(msg.From.ID)

	text := req.question
	if content := msg.Content(); content != "" && !msg.IsPrivate() {
		text = content
	}
	h.deps.Contexts.Append(msg.ConversationID, history.RoleUser, req.speaker, text)
	h.deps.Contexts.Append(msg.ConversationID, history.RoleAssistant, "bot", answer)

	if err := h.deps.Memory.Profiles.Touch(ctx, msg.From, req.speaker); err != nil {
		h.logger.Warn("Failed to save user profile",
			zap.Int64("user_id", msg.From.ID),
			zap.Error(err))
	}
}

// learn extracts facts from the exchange on a detached context. Failures are
// logged and never reach the user.
func (h *Handler) learn(req *request, answer string) {
	if h.deps.Extractor == nil {
		return
	}

	subject := models.GroupOf(req.msg.ConversationID)
	if req.msg.IsPrivate() {
		subject = models.UserOf(req.msg.From.ID)
	}

	lines := make([]string, 0, len(req.history))
	for _, e := range req.history {
		lines = append(lines, string(e.Role)+": "+e.Text)
	}
	in := extractor.Input{
		Speaker:  req.speaker,
		Question: req.question,
		Answer:   answer,
		Context:  strings.Join(lines, "\n"),
	}

	h.learning.Add(1)
	go func() {
		defer h.learning.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Recovered from panic in fact learning", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.LearnTimeout)
		defer cancel()

		facts, err := h.deps.Extractor.Extract(ctx, in)
		if err != nil {
			h.logger.Error("Background fact extraction failed", zap.Error(err))
			return
		}
		for _, fact := range facts {
			if err := h.deps.Memory.Facts.Save(ctx, subject, fact); err != nil {
				h.logger.Error("Failed to save learned fact",
					zap.Stringer("subject", subject),
					zap.Error(err))
			}
		}
		if len(facts) > 0 {
			h.logger.Info("Learned facts",
				zap.Stringer("subject", subject),
				zap.Strings("facts", facts))
		}
	}()
}

func (h *Handler) send(ctx context.Context, msg *models.Message, text string) {
	if _, err := h.deps.Transport.Reply(ctx, msg.ConversationID, msg.ID, text); err != nil {
		h.logger.Error("Failed to send reply",
			zap.Int64("chat_id", msg.ConversationID),
			zap.Error(err))
	}
}

// edit ignores failures such as "message is not modified"
func (h *Handler) edit(ctx context.Context, conversationID int64, messageID int, text string) {
	if err := h.deps.Transport.Edit(ctx, conversationID, messageID, text); err != nil {
		h.logger.Debug("Edit skipped", zap.Error(err))
	}
}

func apology(err error) string {
	if errors.Is(err, llm.ErrEmptyResponse) {
		return apologyEmpty
	}
	kind, status := llm.Classify(err)
	switch kind {
	case llm.KindTimeout:
		return apologyTimeout
	case llm.KindUnauthorized:
		return apologyUnauthorized
	case llm.KindRateLimited:
		return apologyRateLimited
	case llm.KindOverloaded:
		return fmt.Sprintf(apologyOverloaded, status)
	case llm.KindConnection:
		return apologyConnection
	case llm.KindUpstream:
		return fmt.Sprintf(apologyUpstream, status)
	default:
		return apologyGeneric
	}
}
