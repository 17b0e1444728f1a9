package extraction

import "strings"

// sentenceEnders mark preferred split points inside an oversized paragraph.
var sentenceEnders = []string{". ", "! ", "? "}

// splitParagraphs packs paragraphs into chunks of at most maxChars runes,
// preferring to break at paragraph boundaries. Paragraphs that fit are
// joined with a blank line; oversized paragraphs are split at sentence
// boundaries, then spaces, then hard rune cuts. The rune arithmetic means a
// chunk never ends inside a multi-byte text unit.
func splitParagraphs(paras []string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 1000
	}

	var (
		out []string
		buf strings.Builder
		n   int // runes in buf
	)
	flush := func() {
		if n == 0 {
			return
		}
		out = append(out, buf.String())
		buf.Reset()
		n = 0
	}

	for _, para := range paras {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		pn := len([]rune(para))

		if pn > maxChars {
			flush()
			out = append(out, splitLong(para, maxChars)...)
			continue
		}

		// +2 for the joining blank line.
		if n > 0 && n+2+pn > maxChars {
			flush()
		}
		if n > 0 {
			buf.WriteString("\n\n")
			n += 2
		}
		buf.WriteString(para)
		n += pn
	}
	flush()
	return out
}

// splitLong cuts one oversized paragraph into pieces of at most maxChars
// runes, preferring sentence ends, then spaces, past the halfway point so
// pieces stay reasonably balanced.
func splitLong(s string, maxChars int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		if len(runes) <= maxChars {
			out = append(out, string(runes))
			break
		}
		window := string(runes[:maxChars])
		cut := -1
		for _, end := range sentenceEnders {
			if i := strings.LastIndex(window, end); i >= 0 {
				candidate := len([]rune(window[:i+1]))
				if candidate > maxChars/2 && candidate > cut {
					cut = candidate
				}
			}
		}
		if cut < 0 {
			if i := strings.LastIndex(window, " "); i >= 0 {
				candidate := len([]rune(window[:i]))
				if candidate > maxChars/2 {
					cut = candidate
				}
			}
		}
		if cut < 0 {
			cut = maxChars
		}
		piece := strings.TrimSpace(string(runes[:cut]))
		if piece != "" {
			out = append(out, piece)
		}
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	return out
}
