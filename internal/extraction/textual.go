package extraction

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"code.sajari.com/docconv"

	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

// DocconvExtractor covers the non-EPUB formats (PDF, plain text) through
// sajari/docconv conversion, then the shared chunker. SourceLocator carries
// the index of the first converted block in each chunk since these formats
// have no spine to point at.
type DocconvExtractor struct {
	mimeType      string
	maxChunkChars int
}

func NewDocconvExtractor(mimeType string, maxChunkChars int) *DocconvExtractor {
	return &DocconvExtractor{mimeType: mimeType, maxChunkChars: maxChunkChars}
}

func (e *DocconvExtractor) Extract(ctx context.Context, blob []byte) ([]models.Chunk, error) {
	res, err := docconv.Convert(bytes.NewReader(blob), e.mimeType, false)
	if err != nil {
		return nil, fmt.Errorf("docconv %s (%v): %w", e.mimeType, err, ErrMalformed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paras := blockify(res.Body)
	texts := splitParagraphs(paras, e.maxChunkChars)
	if len(texts) == 0 {
		return nil, fmt.Errorf("no extractable text: %w", ErrEmpty)
	}

	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{
			SequenceIndex: i,
			Text:          text,
			SourceLocator: fmt.Sprintf("block:%d", i),
		}
	}
	return chunks, nil
}

// blockify groups converted lines into paragraphs separated by blank lines.
func blockify(body string) []string {
	var (
		paras []string
		cur   []string
	)
	flush := func() {
		if len(cur) > 0 {
			paras = append(paras, strings.Join(cur, " "))
			cur = nil
		}
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return paras
}

var _ core.Extractor = (*DocconvExtractor)(nil)
