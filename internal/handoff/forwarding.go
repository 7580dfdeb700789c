package handoff

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/khatiwada051/WebCrawler/internal/archive"
	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

// ForwardingPipeline archives the page body and publishes a notification so
// an external extractor picks the page up. It never parses the page itself.
type ForwardingPipeline struct {
	hasher    crawl.Hasher
	archive   archive.Store
	publisher crawl.Publisher
	topic     string
	logger    *zap.Logger
}

// NewForwardingPipeline builds a ForwardingPipeline.
func NewForwardingPipeline(
	hasher crawl.Hasher,
	store archive.Store,
	publisher crawl.Publisher,
	topic string,
	logger *zap.Logger,
) *ForwardingPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForwardingPipeline{
		hasher:    hasher,
		archive:   store,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

// Process archives and announces one page. Any failure here is an
// extraction-boundary failure: the page was retrieved fine, so the caller
// records a mismatch rather than failing the task.
func (p *ForwardingPipeline) Process(ctx context.Context, h Handoff) (ExtractionResult, error) {
	const op = "handoff.Forward"

	digest, err := p.hasher.Hash(h.Page.Body)
	if err != nil {
		return ExtractionResult{Status: StatusFailure}, crawl.E(crawl.KindExtraction, op, err)
	}

	blobPath := fmt.Sprintf("%s/%s/%s.html", h.Definition.SiteID, h.JobID, shortDigest(digest))
	uri, err := p.archive.PutObject(ctx, blobPath, "text/html", bytes.NewReader(h.Page.Body))
	if err != nil {
		return ExtractionResult{Status: StatusFailure}, crawl.E(crawl.KindExtraction, op,
			fmt.Errorf("archive %s: %w", h.Page.URL, err))
	}

	note := Notification{
		JobID:       h.JobID,
		SiteID:      h.Definition.SiteID,
		URL:         h.Page.URL,
		Kind:        h.Kind,
		ContentHash: digest,
		BlobURI:     uri,
		FetchedAt:   h.Page.FetchedAt,
	}
	if h.Kind == crawl.TaskDetail {
		note.Fields = h.Definition.Detail.Fields
		note.Groups = h.Definition.Detail.Groups
	}

	msgID, err := p.publisher.Publish(ctx, p.topic, note)
	if err != nil {
		return ExtractionResult{Status: StatusFailure}, crawl.E(crawl.KindExtraction, op,
			fmt.Errorf("publish %s: %w", h.Page.URL, err))
	}

	p.logger.Debug("page forwarded",
		zap.String("job_id", h.JobID),
		zap.String("url", h.Page.URL),
		zap.String("blob_uri", uri),
		zap.String("message_id", msgID),
	)
	return ExtractionResult{Status: StatusSuccess, BlobURI: uri}, nil
}

func shortDigest(digest string) string {
	if len(digest) > 16 {
		return digest[:16]
	}
	return digest
}
