package textprep

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Splitter defaults. Chunk sizes are measured in tokens of the o200k_base
// encoding.
const (
	encodingName        = "o200k_base"
	defaultChunkSize    = 300
	defaultChunkOverlap = 50
)

var separators = []string{"\n\n", "\n", " ", ""}

// Splitter splits prepared page text into token-bounded chunks with overlap.
type Splitter struct {
	encoding     *tiktoken.Tiktoken
	chunkSize    int
	chunkOverlap int
}

// NewSplitter creates a splitter with the default chunk size and overlap.
func NewSplitter() (*Splitter, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encodingName, err)
	}
	return &Splitter{
		encoding:     encoding,
		chunkSize:    defaultChunkSize,
		chunkOverlap: defaultChunkOverlap,
	}, nil
}

// CountTokens returns the token count of the string.
func (s *Splitter) CountTokens(text string) int {
	return len(s.encoding.Encode(text, nil, nil))
}

// SplitReport fills in the chunks of a prepared report. Chunk ids restart per
// page.
func (s *Splitter) SplitReport(prepared *ChunkedReport) *ChunkedReport {
	chunks := []Chunk{}
	for _, page := range prepared.Pages {
		id := 0
		for _, text := range s.SplitText(page.Text) {
			chunks = append(chunks, Chunk{
				ID:           id,
				Type:         "content",
				Page:         page.Page,
				LengthTokens: s.CountTokens(text),
				Text:         text,
			})
			id++
		}
	}
	prepared.Chunks = chunks
	return prepared
}

// SplitText splits text into pieces of at most the chunk size, recursing
// through coarser to finer separators and overlapping adjacent chunks.
func (s *Splitter) SplitText(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.split(text, separators)
}

func (s *Splitter) split(text string, seps []string) []string {
	separator := seps[len(seps)-1]
	var remaining []string
	for i, sep := range seps {
		if sep == "" {
			separator = sep
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			remaining = seps[i+1:]
			break
		}
	}

	var splits []string
	if separator == "" {
		splits = s.splitByTokens(text)
	} else {
		for _, piece := range strings.Split(text, separator) {
			if piece != "" {
				splits = append(splits, piece)
			}
		}
	}

	var final []string
	var good []string
	for _, piece := range splits {
		if s.CountTokens(piece) < s.chunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.mergeSplits(good, separator)...)
			good = nil
		}
		if len(remaining) == 0 {
			final = append(final, piece)
		} else {
			final = append(final, s.split(piece, remaining)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.mergeSplits(good, separator)...)
	}
	return final
}

// splitByTokens cuts text into runs of at most chunkSize tokens by decoding
// token windows back to text.
func (s *Splitter) splitByTokens(text string) []string {
	tokens := s.encoding.Encode(text, nil, nil)
	var pieces []string
	for start := 0; start < len(tokens); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		pieces = append(pieces, s.encoding.Decode(tokens[start:end]))
	}
	return pieces
}

// mergeSplits packs adjacent small splits into chunks up to the chunk size,
// retaining up to chunkOverlap tokens of trailing context between chunks.
func (s *Splitter) mergeSplits(splits []string, separator string) []string {
	separatorLen := s.CountTokens(separator)

	var docs []string
	var current []string
	total := 0

	join := func(parts []string) string {
		return strings.TrimSpace(strings.Join(parts, separator))
	}

	for _, piece := range splits {
		pieceLen := s.CountTokens(piece)
		extra := 0
		if len(current) > 0 {
			extra = separatorLen
		}

		if total+pieceLen+extra > s.chunkSize && len(current) > 0 {
			if doc := join(current); doc != "" {
				docs = append(docs, doc)
			}
			// Drop leading pieces until the retained context fits the
			// overlap budget.
			for total > s.chunkOverlap && len(current) > 0 {
				dropLen := s.CountTokens(current[0])
				if len(current) > 1 {
					dropLen += separatorLen
				}
				total -= dropLen
				current = current[1:]
			}
		}

		if len(current) > 0 {
			total += separatorLen
		}
		current = append(current, piece)
		total += pieceLen
	}

	if doc := join(current); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}
