package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"

	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

// EpubExtractor decodes an EPUB container: it reads the OPF spine, walks the
// content documents in reading order, strips markup, and packs the text into
// bounded chunks. The same blob always yields the same chunk sequence.
type EpubExtractor struct {
	maxChunkChars int
}

func NewEpubExtractor(maxChunkChars int) *EpubExtractor {
	return &EpubExtractor{maxChunkChars: maxChunkChars}
}

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfPackage struct {
	Manifest []struct {
		ID   string `xml:"id,attr"`
		Href string `xml:"href,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

func (e *EpubExtractor) Extract(ctx context.Context, blob []byte) ([]models.Chunk, error) {
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("open epub container (%v): %w", err, ErrMalformed)
	}

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	opfPath, err := rootfilePath(files)
	if err != nil {
		return nil, err
	}
	spineHrefs, err := spineInOrder(files, opfPath)
	if err != nil {
		return nil, err
	}

	var chunks []models.Chunk
	seq := 0
	for _, href := range spineHrefs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, ok := files[href]
		if !ok {
			// Spine entries pointing nowhere are tolerated; some producers
			// list cover pages that were stripped.
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("read spine item %s (%v): %w", href, err, ErrMalformed)
		}
		paras, err := extractParagraphs(data)
		if err != nil {
			return nil, fmt.Errorf("parse spine item %s (%v): %w", href, err, ErrMalformed)
		}
		for _, text := range splitParagraphs(paras, e.maxChunkChars) {
			chunks = append(chunks, models.Chunk{
				SequenceIndex: seq,
				Text:          text,
				SourceLocator: href,
			})
			seq++
		}
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("no extractable text: %w", ErrEmpty)
	}
	return chunks, nil
}

func rootfilePath(files map[string]*zip.File) (string, error) {
	f, ok := files["META-INF/container.xml"]
	if !ok {
		return "", fmt.Errorf("missing META-INF/container.xml: %w", ErrMalformed)
	}
	data, err := readZipFile(f)
	if err != nil {
		return "", fmt.Errorf("read container.xml (%v): %w", err, ErrMalformed)
	}
	var c epubContainer
	if err := xml.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("parse container.xml (%v): %w", err, ErrMalformed)
	}
	if len(c.Rootfiles) == 0 || c.Rootfiles[0].FullPath == "" {
		return "", fmt.Errorf("container.xml has no rootfile: %w", ErrMalformed)
	}
	return c.Rootfiles[0].FullPath, nil
}

// spineInOrder resolves the OPF spine into content document paths in reading
// order.
func spineInOrder(files map[string]*zip.File, opfPath string) ([]string, error) {
	f, ok := files[opfPath]
	if !ok {
		return nil, fmt.Errorf("missing opf %s: %w", opfPath, ErrMalformed)
	}
	data, err := readZipFile(f)
	if err != nil {
		return nil, fmt.Errorf("read opf (%v): %w", err, ErrMalformed)
	}
	var pkg opfPackage
	if err := xml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parse opf (%v): %w", err, ErrMalformed)
	}
	if len(pkg.Spine) == 0 {
		return nil, fmt.Errorf("opf has empty spine: %w", ErrMalformed)
	}

	hrefByID := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		hrefByID[item.ID] = item.Href
	}

	base := path.Dir(opfPath)
	var hrefs []string
	for _, ref := range pkg.Spine {
		href, ok := hrefByID[ref.IDRef]
		if !ok || href == "" {
			continue
		}
		hrefs = append(hrefs, resolveHref(base, href))
	}
	if len(hrefs) == 0 {
		return nil, fmt.Errorf("spine references no manifest items: %w", ErrMalformed)
	}
	return hrefs, nil
}

func resolveHref(base, href string) string {
	if i := strings.IndexAny(href, "#?"); i >= 0 {
		href = href[:i]
	}
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	if base == "." || base == "" {
		return path.Clean(href)
	}
	return path.Clean(path.Join(base, href))
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// blockElements break paragraphs when extracting text from content documents.
var blockElements = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "li": true, "blockquote": true, "div": true, "section": true,
	"article": true, "br": true, "tr": true, "figcaption": true,
}

var skippedElements = map[string]bool{
	"script": true, "style": true, "head": true, "template": true,
}

// extractParagraphs strips markup from one XHTML content document, returning
// whitespace-normalized paragraphs in document order.
func extractParagraphs(data []byte) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var (
		paras []string
		buf   strings.Builder
	)
	flush := func() {
		if text := normalizeWhitespace(buf.String()); text != "" {
			paras = append(paras, text)
		}
		buf.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skippedElements[n.Data] {
				return
			}
			if blockElements[n.Data] {
				flush()
			}
		}
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
			buf.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			flush()
		}
	}
	walk(doc)
	flush()
	return paras, nil
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var _ core.Extractor = (*EpubExtractor)(nil)
