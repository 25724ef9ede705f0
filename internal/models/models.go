package models

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf16"
)

// ChatType distinguishes one-to-one conversations from multi-party ones
type ChatType string

const (
	PrivateChat ChatType = "private"
	GroupChat   ChatType = "group"
)

// User identifies a message author
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	IsBot     bool   `json:"is_bot,omitempty"`
}

// EntityType mirrors the subset of transport entities the core cares about
type EntityType string

const (
	EntityURL      EntityType = "url"
	EntityTextLink EntityType = "text_link"
	EntityMention  EntityType = "mention"
)

// Entity is a formatted span of the message text. Offset and Length are in
// UTF-16 code units.
type Entity struct {
	Type   EntityType `json:"type"`
	Offset int        `json:"offset"`
	Length int        `json:"length"`
	URL    string     `json:"url,omitempty"`
}

// ImageRef is an opaque handle the transport can resolve to bytes
type ImageRef struct {
	FileID string `json:"file_id"`
}

// Message is the inbound message shape seen by the core. Transport adapters
// resolve every optional field once so the core never inspects raw payloads.
type Message struct {
	ID             int        `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	ChatType       ChatType   `json:"chat_type"`
	From           User       `json:"from"`
	DisplayName    string     `json:"display_name,omitempty"`
	Text           string     `json:"text,omitempty"`
	Caption        string     `json:"caption,omitempty"`
	Entities       []Entity   `json:"entities,omitempty"`
	ReplyTo        *Message   `json:"reply_to,omitempty"`
	Forwarded      bool       `json:"forwarded,omitempty"`
	Images         []ImageRef `json:"images,omitempty"`
	Date           time.Time  `json:"date"`
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

// Content returns the text or, for media messages, the caption
func (m *Message) Content() string {
	if m == nil {
		return ""
	}
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

func (m *Message) IsPrivate() bool {
	return m != nil && m.ChatType == PrivateChat
}

func (m *Message) HasImage() bool {
	return m != nil && len(m.Images) > 0
}

// SpeakerName is the name used for the author in context and facts
func (m *Message) SpeakerName() string {
	if m == nil {
		return ""
	}
	if m.DisplayName != "" {
		return m.DisplayName
	}
	if m.From.FirstName != "" {
		return m.From.FirstName
	}
	return m.From.Username
}

// URLs returns hyperlink entities first, then plain-text links, without
// duplicates and in order of appearance.
func (m *Message) URLs() []string {
	if m == nil {
		return nil
	}
	var urls []string
	seen := make(map[string]struct{})
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	content := m.Content()
	for _, e := range m.Entities {
		switch e.Type {
		case EntityTextLink:
			add(e.URL)
		case EntityURL:
			add(EntityText(content, e))
		}
	}
	for _, u := range ExtractURLs(content) {
		add(u)
	}
	return urls
}

// ExtractURLs finds plain http(s) links in free text
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// EntityText slices text by an entity's UTF-16 offsets
func EntityText(text string, e Entity) string {
	units := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Length <= 0 || e.Offset+e.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
}

// Mentions reports whether the message text explicitly mentions @handle
func (m *Message) Mentions(handle string) bool {
	if m == nil || handle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(m.Content()), "@"+strings.ToLower(handle))
}
