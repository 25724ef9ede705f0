package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xaenox/companion-bot/internal/router"
	"go.uber.org/zap"
)

// resolveReference builds the single referenced-content block. A replied-to
// message with content wins, then a forwarded current message, then a bare
// link in the question. Within a reply the order is forwarded post, message
// with links, the bot's own answer, anyone else's message.
func (h *Handler) resolveReference(req *request) {
	msg := req.msg

	if reply := msg.ReplyTo; reply != nil {
		if content := reply.Content(); content != "" {
			urls := h.limitURLs(reply.URLs())
			switch {
			case reply.Forwarded:
				req.reference = forwardedLabel + content
				if len(urls) > 0 {
					req.reference += forwardedURLsLabel + strings.Join(urls, ", ")
				}
			case len(urls) > 0:
				req.reference = linksLabel + content + linksURLsLabel + strings.Join(urls, ", ")
			case router.IsReplyToBot(msg, h.bot):
				req.reference = botAnswerLabel + "«" + content + "»"
			default:
				author := reply.SpeakerName()
				if author == "" {
					author = "unknown"
				}
				req.reference = fmt.Sprintf("[Message from %s]: %s", author, content)
			}
			return
		}
	}

	if msg.Forwarded {
		if content := msg.Content(); content != "" {
			req.reference = forwardedLabel + content
			if urls := h.limitURLs(msg.URLs()); len(urls) > 0 {
				req.reference += forwardedURLsLabel + strings.Join(urls, ", ")
			}
			// the forwarded text is the post itself, not a question
			req.question = defaultForwardQuestion
			return
		}
	}

	if req.question != "" {
		if urls := msg.URLs(); len(urls) > 0 {
			req.reference = sharedLinkLabel + urls[0]
		}
	}
}

// enrich fetches the first link of the replied-to message, or of the
// current one, and attaches the page when it says enough
func (h *Handler) enrich(ctx context.Context, req *request) {
	if h.deps.Fetcher == nil || req.reference == "" {
		return
	}

	var urls []string
	if req.msg.ReplyTo != nil {
		urls = req.msg.ReplyTo.URLs()
	}
	if len(urls) == 0 {
		urls = req.msg.URLs()
	}
	if len(urls) == 0 {
		return
	}

	h.logger.Info("Fetching URL content", zap.String("url", urls[0]))
	content := h.deps.Fetcher.Fetch(ctx, urls[0])
	if utf8.RuneCountInString(content) > h.cfg.MinArticleLen {
		req.reference += articleLabel + content
	}
}

func (h *Handler) limitURLs(urls []string) []string {
	if len(urls) > h.cfg.MaxReferenceURL {
		return urls[:h.cfg.MaxReferenceURL]
	}
	return urls
}
