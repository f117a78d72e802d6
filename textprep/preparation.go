// Package textprep turns processed reports into clean per-page text and
// splits that text into token-bounded chunks for indexing.
package textprep

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/katechat/docproc/report"
)

// PreparedPage is one page of cleaned, concatenated text.
type PreparedPage struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// Chunk is one token-bounded slice of page text.
type Chunk struct {
	ID           int    `json:"id"`
	Type         string `json:"type"`
	Page         int    `json:"page"`
	LengthTokens int    `json:"length_tokens"`
	Text         string `json:"text"`
}

// ChunkedReport is the structure persisted as K.chunked.json. Chunks is nil
// until the splitter runs.
type ChunkedReport struct {
	Chunks []Chunk        `json:"chunks"`
	Pages  []PreparedPage `json:"pages"`
}

// Preparation cleans and formats page blocks, grouping consecutive tables,
// lists, and footnotes.
type Preparation struct {
	report *report.Report
}

// NewPreparation creates a preparation over the given report.
func NewPreparation(r *report.Report) *Preparation {
	return &Preparation{report: r}
}

// ProcessReport prepares every page of the report.
func (p *Preparation) ProcessReport() (*ChunkedReport, error) {
	pages := make([]PreparedPage, 0, len(p.report.Content))
	for _, page := range p.report.Content {
		text, err := p.PreparePageText(page.Page)
		if err != nil {
			return nil, err
		}
		pages = append(pages, PreparedPage{Page: page.Page, Text: cleanText(text)})
	}
	return &ChunkedReport{Pages: pages}, nil
}

// PreparePageText assembles the cleaned text of one page.
func (p *Preparation) PreparePageText(pageNum int) (string, error) {
	var page *report.Page
	for i := range p.report.Content {
		if p.report.Content[i].Page == pageNum {
			page = &p.report.Content[i]
			break
		}
	}
	if page == nil {
		return "", nil
	}

	blocks := filterBlocks(page.Content)
	final, err := p.applyFormattingRules(blocks)
	if err != nil {
		return "", err
	}

	if len(final) > 0 {
		final[0] = strings.TrimLeft(final[0], " \n\t")
		final[len(final)-1] = strings.TrimRight(final[len(final)-1], " \n\t")
	}
	return strings.Join(final, "\n"), nil
}

// filterBlocks drops block types excluded from page text.
func filterBlocks(blocks []report.Block) []report.Block {
	filtered := make([]report.Block, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case report.TypePageFooter, report.TypePicture:
			continue
		}
		filtered = append(filtered, block)
	}
	return filtered
}

func blockEndsWithColon(block report.Block) bool {
	switch block.Type {
	case report.TypeText, report.TypeCaption, report.TypeSectionHeader, report.TypeParagraph:
		return strings.HasSuffix(strings.TrimRight(block.PlainText(), " \t\n"), ":")
	}
	return false
}

// applyFormattingRules transforms blocks into rendered text fragments.
// Headers become markdown headings; tables and lists are grouped with their
// lead-in text and trailing footnotes.
func (p *Preparation) applyFormattingRules(blocks []report.Block) ([]string, error) {
	pageHeaderInFirst3 := false
	for i, block := range blocks {
		if i >= 3 {
			break
		}
		if block.Type == report.TypePageHeader {
			pageHeaderInFirst3 = true
		}
	}

	var final []string
	sectionHeaderCount := 0

	i := 0
	n := len(blocks)
	for i < n {
		block := blocks[i]
		text := strings.TrimSpace(block.PlainText())

		switch block.Type {
		case report.TypePageHeader:
			prefix := "\n## "
			if i < 3 {
				prefix = "\n# "
			}
			final = append(final, prefix+text+"\n")
			i++
			continue

		case report.TypeSectionHeader:
			sectionHeaderCount++
			prefix := "\n## "
			if sectionHeaderCount == 1 && i < 3 && !pageHeaderInFirst3 {
				prefix = "\n# "
			}
			final = append(final, prefix+text+"\n")
			i++
			continue

		case report.TypeParagraph:
			if blockEndsWithColon(block) && i+1 < n {
				next := blocks[i+1].Type
				if next != report.TypeTable && next != report.TypeListItem {
					final = append(final, "\n### "+text+"\n")
					i++
					continue
				}
			} else {
				final = append(final, "\n### "+text+"\n")
				i++
				continue
			}
		}

		// Table groups: a table, optionally led by a colon-terminated block
		// and followed by a note and footnotes.
		if block.Type == report.TypeTable ||
			(blockEndsWithColon(block) && i+1 < n && blocks[i+1].Type == report.TypeTable) {
			var group []report.Block
			if block.Type != report.TypeTable {
				group = append(group, block)
				group = append(group, blocks[i+1])
				i += 2
			} else {
				group = append(group, block)
				i++
			}

			if i < n && blocks[i].Type == report.TypeText {
				if i+1 < n && blocks[i+1].Type == report.TypeFootnote {
					group = append(group, blocks[i])
					i++
				}
			}
			for i < n && blocks[i].Type == report.TypeFootnote {
				group = append(group, blocks[i])
				i++
			}

			rendered, err := p.renderTableGroup(group)
			if err != nil {
				return nil, err
			}
			final = append(final, rendered)
			continue
		}

		// List groups: consecutive list items, optionally led by a
		// colon-terminated block and followed by a note and footnotes.
		if block.Type == report.TypeListItem ||
			(blockEndsWithColon(block) && i+1 < n && blocks[i+1].Type == report.TypeListItem) {
			var group []report.Block
			if block.Type != report.TypeListItem {
				group = append(group, block)
				i++
			}
			for i < n && blocks[i].Type == report.TypeListItem {
				group = append(group, blocks[i])
				i++
			}
			if i < n && blocks[i].Type == report.TypeText {
				if i+1 < n && blocks[i+1].Type == report.TypeFootnote {
					group = append(group, blocks[i])
					i++
				}
			}
			for i < n && blocks[i].Type == report.TypeFootnote {
				group = append(group, blocks[i])
				i++
			}

			final = append(final, renderListGroup(group))
			continue
		}

		if block.Type == report.TypeCode {
			final = append(final, "\n```\n"+text+"\n```\n")
			i++
			continue
		}

		switch block.Type {
		case report.TypeTitle, report.TypeText, report.TypeCaption, report.TypeFootnote,
			report.TypeCheckboxSelected, report.TypeCheckboxUnselected, report.TypeFormula:
			if text != "" {
				final = append(final, text+"\n")
			}
			i++
			continue
		}

		return nil, fmt.Errorf("unknown block type: %s", block.Type)
	}

	return final, nil
}

// renderTableGroup renders a table with its lead-in text and footnotes.
func (p *Preparation) renderTableGroup(group []report.Block) (string, error) {
	var parts []string
	for _, block := range group {
		text := strings.TrimSpace(block.PlainText())
		switch block.Type {
		case report.TypeText, report.TypeCaption, report.TypeSectionHeader, report.TypeParagraph:
			parts = append(parts, text+"\n")
		case report.TypeTable:
			if block.TableID == nil {
				return "", fmt.Errorf("table block without table_id")
			}
			markdown, err := p.tableByID(*block.TableID)
			if err != nil {
				return "", err
			}
			parts = append(parts, markdown+"\n")
		default:
			parts = append(parts, text+"\n")
		}
	}
	return "\n" + strings.Join(parts, "") + "\n", nil
}

// renderListGroup renders list items with an optional header and footnotes.
func renderListGroup(group []report.Block) string {
	var parts []string
	for _, block := range group {
		text := strings.TrimSpace(block.PlainText())
		switch block.Type {
		case report.TypeListItem:
			parts = append(parts, "- "+text+"\n")
		case report.TypeCheckboxSelected:
			parts = append(parts, "[x] "+text+"\n")
		case report.TypeCheckboxUnselected:
			parts = append(parts, "[ ] "+text+"\n")
		default:
			parts = append(parts, text+"\n")
		}
	}
	return "\n" + strings.Join(parts, "") + "\n"
}

func (p *Preparation) tableByID(tableID int) (string, error) {
	for _, table := range p.report.Tables {
		if table.TableID == tableID {
			return table.Markdown, nil
		}
	}
	return "", fmt.Errorf("table with id %d not found", tableID)
}

// Glyph-artifact cleanup. Some PDF text layers leak font command names
// instead of characters; these are mapped back to their glyphs.
var glyphCommands = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"period": ".", "comma": ",", "colon": ":", "hyphen": "-", "percent": "%",
	"dollar": "$", "space": " ", "plus": "+", "minus": "-", "slash": "/",
	"asterisk": "*", "lparen": "(", "rparen": ")", "parenright": ")",
	"parenleft": "(",
}

var (
	slashCommandRe = regexp.MustCompile(`/(zero|one|two|three|four|five|six|seven|eight|nine|period|comma|colon|hyphen|percent|dollar|space|plus|minus|slash|asterisk|lparen|rparen|parenright|parenleft)(\.pl\.tnum|\.tnum\.pl|\.pl|\.tnum|\.case|\.sups)`)
	glyphTagRe     = regexp.MustCompile(`glyph<[^>]*>`)
	capLetterRe    = regexp.MustCompile(`/([A-Z])\.cap`)
)

// cleanText removes font-command artifacts from extracted text.
func cleanText(text string) string {
	text = slashCommandRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := slashCommandRe.FindStringSubmatch(match)
		if replacement, ok := glyphCommands[sub[1]]; ok {
			return replacement
		}
		return match
	})
	text = glyphTagRe.ReplaceAllString(text, "")
	text = capLetterRe.ReplaceAllString(text, "$1")
	return text
}
