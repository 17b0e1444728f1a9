package extraction

import (
	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

// Extraction failures are terminal: a blob that failed to parse once will
// fail the same way on every redelivery.
var (
	ErrMalformed = &core.TerminalError{Reason: "malformed_source"}
	ErrEmpty     = &core.TerminalError{Reason: "empty_source"}
)

// NewRegistry maps every supported format to its extractor. Adding a format
// means adding an entry here, not touching the orchestrator.
func NewRegistry(maxChunkChars int) map[models.Format]core.Extractor {
	return map[models.Format]core.Extractor{
		models.FormatEpub: NewEpubExtractor(maxChunkChars),
		models.FormatPdf:  NewDocconvExtractor("application/pdf", maxChunkChars),
		models.FormatText: NewDocconvExtractor("text/plain", maxChunkChars),
	}
}
