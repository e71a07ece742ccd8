package pipeline

import (
	"context"
	"errors"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidIntent  = errors.New("invalid mutation intent")
	ErrLedgerWrite    = errors.New("ledger write failed")
	ErrQueueFull      = errors.New("queue full")
	ErrQueueClosed    = errors.New("queue closed")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	StructuringFailedSentinel = "Thought structuring failed."
	NoDocumentsSentinel       = "No relevant documents found."
)

// Update mirrors the Telegram wire shape. IDs grow monotonically per bot,
// so max(ledger)+1 is a safe fetch offset.
type Update struct {
	ID      int64    `json:"update_id"`
	Message *Message `json:"message,omitempty"`
}

type Message struct {
	Text  string    `json:"text,omitempty"`
	Voice *VoiceRef `json:"voice,omitempty"`
}

type VoiceRef struct {
	FileID string `json:"file_id"`
}

// HasText reports whether the update carries a non-empty text payload.
func (u Update) HasText() bool {
	return u.Message != nil && u.Message.Text != ""
}

// HasVoice reports whether the update carries a downloadable voice payload.
func (u Update) HasVoice() bool {
	return u.Message != nil && u.Message.Voice != nil && u.Message.Voice.FileID != ""
}

type ExtractedThought struct {
	UpdateID int64
	Text     string
}

type StructuredThought struct {
	Description string `json:"description"`
}

type RetrievedDocument struct {
	PageID  string
	Content string
}

// Page is an existing database page reduced to the text used for retrieval.
type Page struct {
	ID      string
	Content string
}

type PropertySchema struct {
	Type    string   `json:"type"`
	Options []string `json:"options,omitempty"`
}

type DatabaseSchema map[string]PropertySchema

type MutationKind string

const (
	MutationCreate  MutationKind = "create"
	MutationUpdate  MutationKind = "update"
	MutationArchive MutationKind = "archive"
)

// MutationIntent is the closed set of page mutations the decision stage may
// emit. Create needs Properties, Update needs PageID and Properties, Archive
// needs PageID; anything else is dropped at the executor boundary.
type MutationIntent struct {
	Kind       MutationKind
	PageID     string
	Properties map[string]any
}

// Validate enforces the per-kind field requirements.
func (m MutationIntent) Validate() error {
	switch m.Kind {
	case MutationCreate:
		if len(m.Properties) == 0 {
			return ErrInvalidIntent
		}
	case MutationUpdate:
		if m.PageID == "" || len(m.Properties) == 0 {
			return ErrInvalidIntent
		}
	case MutationArchive:
		if m.PageID == "" {
			return ErrInvalidIntent
		}
	default:
		return ErrInvalidIntent
	}
	return nil
}

type UpdateSource interface {
	FetchUpdates(ctx context.Context, offset int64) ([]Update, error)
}

type VoiceDownloader interface {
	DownloadVoice(ctx context.Context, fileID string) ([]byte, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

type Planner interface {
	StructureThoughts(ctx context.Context, thoughts []string) ([]StructuredThought, error)
	PlanMutations(ctx context.Context, thoughts []string, schema DatabaseSchema, retrievedContext string) ([]MutationIntent, error)
}

type Retriever interface {
	Rebuild(ctx context.Context, pages []Page) error
	Search(ctx context.Context, query string, limit int) ([]RetrievedDocument, error)
}

type PageStore interface {
	FetchSchema(ctx context.Context) (DatabaseSchema, error)
	QueryOpenPages(ctx context.Context) ([]Page, error)
	CreatePage(ctx context.Context, properties map[string]any) error
	UpdatePage(ctx context.Context, pageID string, properties map[string]any) error
	ArchivePage(ctx context.Context, pageID string) error
}
