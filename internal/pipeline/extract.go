package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Extractor turns updates into plain text. Text passes through unchanged,
// voice notes go through the admission gates and the transcription
// collaborators, anything else is a skip.
type Extractor struct {
	downloader  VoiceDownloader
	transcriber Transcriber
	admission   *AdmissionController
	logger      *zap.Logger
}

type ExtractionResult struct {
	Thoughts  []ExtractedThought
	FailedIDs []int64
}

func NewExtractor(downloader VoiceDownloader, transcriber Transcriber, admission *AdmissionController, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		downloader:  downloader,
		transcriber: transcriber,
		admission:   admission,
		logger:      logger,
	}
}

// ExtractBatch extracts every update concurrently; the admission gates are
// the only brake on audio work. One update failing never aborts its
// siblings. Output keeps batch order.
func (e *Extractor) ExtractBatch(ctx context.Context, updates []Update) ExtractionResult {
	extracted := make([]*ExtractedThought, len(updates))
	var wg sync.WaitGroup
	for i, update := range updates {
		wg.Add(1)
		go func(slot int, update Update) {
			defer wg.Done()
			if thought, ok := e.extractOne(ctx, update); ok {
				extracted[slot] = &thought
			}
		}(i, update)
	}
	wg.Wait()

	result := ExtractionResult{Thoughts: make([]ExtractedThought, 0, len(updates))}
	for i, thought := range extracted {
		if thought == nil {
			result.FailedIDs = append(result.FailedIDs, updates[i].ID)
			continue
		}
		result.Thoughts = append(result.Thoughts, *thought)
	}
	return result
}

func (e *Extractor) extractOne(ctx context.Context, update Update) (ExtractedThought, bool) {
	switch {
	case update.HasText():
		return ExtractedThought{UpdateID: update.ID, Text: update.Message.Text}, true
	case update.HasVoice():
		text, err := e.transcribeVoice(ctx, update.Message.Voice.FileID)
		if err != nil {
			e.logger.Error("voice extraction failed",
				zap.Int64("update_id", update.ID),
				zap.Error(err))
			return ExtractedThought{}, false
		}
		if strings.TrimSpace(text) == "" {
			e.logger.Warn("transcription produced no text",
				zap.Int64("update_id", update.ID))
			return ExtractedThought{}, false
		}
		return ExtractedThought{UpdateID: update.ID, Text: text}, true
	default:
		e.logger.Warn("update has no processable content, skipping",
			zap.Int64("update_id", update.ID))
		return ExtractedThought{}, false
	}
}

func (e *Extractor) transcribeVoice(ctx context.Context, fileID string) (string, error) {
	release, err := e.admission.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("admission: %w", err)
	}
	defer release()

	audio, err := e.downloader.DownloadVoice(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("download voice: %w", err)
	}
	text, err := e.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return text, nil
}
