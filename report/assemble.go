package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// notdef is the placeholder some PDF backends emit for unmapped glyphs.
const notdef = "/.notdef"

func normalizeText(text string) string {
	return strings.ReplaceAll(text, notdef, " ")
}

// parseRef splits a reference like "#/texts/12" into its collection name and
// index.
func parseRef(ref string) (string, int, error) {
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("malformed reference %q", ref)
	}
	idx, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "", 0, fmt.Errorf("malformed reference %q: %w", ref, err)
	}
	return parts[len(parts)-2], idx, nil
}

func selfRefIndex(selfRef string) int {
	_, idx, err := parseRef(selfRef)
	if err != nil {
		return 0
	}
	return idx
}

// expandedRef is a body child with group membership attached.
type expandedRef struct {
	Ref
	groupID    *int
	groupName  string
	groupLabel string
}

// expandGroups flattens group references in the body into their children,
// tagging each child with its group.
func expandGroups(body []Ref, groups []RawGroup) []expandedRef {
	expanded := make([]expandedRef, 0, len(body))
	for _, item := range body {
		refType, refNum, err := parseRef(item.Ref)
		if err != nil || refType != "groups" || refNum >= len(groups) {
			expanded = append(expanded, expandedRef{Ref: item})
			continue
		}
		group := groups[refNum]
		id := refNum
		for _, child := range group.Children {
			expanded = append(expanded, expandedRef{
				Ref:        child,
				groupID:    &id,
				groupName:  group.Name,
				groupLabel: group.Label,
			})
		}
	}
	return expanded
}

func provLocation(prov []Prov) (int, map[string]any) {
	if len(prov) == 0 {
		// Documents without page structure collapse onto page 1.
		return 1, map[string]any{}
	}
	dims := prov[0].BBox
	if dims == nil {
		dims = map[string]any{}
	}
	return prov[0].PageNo, dims
}

func bboxList(bbox map[string]any) []float64 {
	coord := func(key string) float64 {
		if v, ok := bbox[key]; ok {
			if f, ok := v.(float64); ok {
				return f
			}
		}
		return 0
	}
	return []float64{coord("l"), coord("t"), coord("r"), coord("b")}
}

// Assemble converts the parser's intermediate document into the canonical
// processed report. Page numbering is normalized to a contiguous 1..N
// sequence, filling gaps with empty pages.
func Assemble(raw *RawDocument) (*Report, error) {
	pages := map[int]*Page{}

	pageFor := func(pageNum int, dims map[string]any) *Page {
		page, ok := pages[pageNum]
		if !ok {
			page = &Page{Page: pageNum, Content: []Block{}, PageDimensions: dims}
			pages[pageNum] = page
		}
		return page
	}

	var processText func(text *RawText, groupID *int, groupName, groupLabel string) error
	processText = func(text *RawText, groupID *int, groupName, groupLabel string) error {
		idx := selfRefIndex(text.SelfRef)
		block := textBlock(raw, idx)
		block.GroupID = groupID
		block.GroupName = groupName
		block.GroupLabel = groupLabel

		pageNum, dims := provLocation(text.Prov)
		page := pageFor(pageNum, dims)
		page.Content = append(page.Content, block)

		for _, child := range text.Children {
			refType, refNum, err := parseRef(child.Ref)
			if err != nil {
				return err
			}
			if refType != "texts" || refNum >= len(raw.Texts) {
				continue
			}
			if err := processText(&raw.Texts[refNum], groupID, groupName, groupLabel); err != nil {
				return err
			}
		}
		return nil
	}

	for _, item := range expandGroups(raw.Body.Children, raw.Groups) {
		refType, refNum, err := parseRef(item.Ref.Ref)
		if err != nil {
			return nil, err
		}

		switch refType {
		case "texts":
			if refNum >= len(raw.Texts) {
				return nil, fmt.Errorf("text reference %d out of range", refNum)
			}
			if err := processText(&raw.Texts[refNum], item.groupID, item.groupName, item.groupLabel); err != nil {
				return nil, err
			}

		case "tables":
			if refNum >= len(raw.Tables) {
				return nil, fmt.Errorf("table reference %d out of range", refNum)
			}
			table := raw.Tables[refNum]
			pageNum, dims := provLocation(table.Prov)
			id := refNum
			page := pageFor(pageNum, dims)
			page.Content = append(page.Content, Block{Type: TypeTable, TableID: &id})

		case "pictures":
			if refNum >= len(raw.Pictures) {
				return nil, fmt.Errorf("picture reference %d out of range", refNum)
			}
			picture := raw.Pictures[refNum]
			pageNum, dims := provLocation(picture.Prov)
			id := refNum
			page := pageFor(pageNum, dims)
			page.Content = append(page.Content, Block{Type: TypePicture, PictureID: &id})
		}
	}

	pageNums := make([]int, 0, len(pages))
	for num := range pages {
		pageNums = append(pageNums, num)
	}
	sort.Ints(pageNums)

	content := make([]Page, 0, len(pageNums))
	for _, num := range pageNums {
		content = append(content, *pages[num])
	}

	r := &Report{
		Metainfo: assembleMetainfo(raw),
		Content:  NormalizePageSequence(content),
		Tables:   assembleTables(raw),
		Pictures: assemblePictures(raw),
	}
	return r, nil
}

// textBlock builds the content item for the text node at idx.
func textBlock(raw *RawDocument, idx int) Block {
	item := raw.Texts[idx]
	text := normalizeText(item.Text)
	id := idx
	block := Block{
		Text:       &text,
		Type:       item.Label,
		TextID:     &id,
		Enumerated: item.Enumerated,
		Marker:     item.Marker,
	}
	if item.Orig != item.Text {
		block.Orig = item.Orig
	}
	return block
}

func assembleMetainfo(raw *RawDocument) *Metainfo {
	name := raw.Origin.Filename
	if dot := strings.LastIndex(name, "."); dot > 0 {
		name = name[:dot]
	}

	footnotes := 0
	for _, text := range raw.Texts {
		if text.Label == TypeFootnote {
			footnotes++
		}
	}

	return &Metainfo{
		SHA1Name:         name,
		PagesAmount:      len(raw.Pages),
		TextBlocksAmount: len(raw.Texts),
		TablesAmount:     len(raw.Tables),
		PicturesAmount:   len(raw.Pictures),
		EquationsAmount:  len(raw.Equations),
		FootnotesAmount:  footnotes,
	}
}

func assembleTables(raw *RawDocument) []Table {
	tables := make([]Table, 0, len(raw.Tables))
	for i, table := range raw.Tables {
		pageNum, bbox := provLocation(table.Prov)
		id := selfRefIndex(table.SelfRef)
		if table.SelfRef == "" {
			id = i
		}
		tables = append(tables, Table{
			TableID:  id,
			Page:     pageNum,
			BBox:     bboxList(bbox),
			NumRows:  table.Data.NumRows,
			NumCols:  table.Data.NumCols,
			Markdown: tableToMarkdown(table.Data.Grid),
		})
	}
	return tables
}

func assemblePictures(raw *RawDocument) []Picture {
	pictures := make([]Picture, 0, len(raw.Pictures))
	for i, picture := range raw.Pictures {
		pageNum, bbox := provLocation(picture.Prov)
		id := selfRefIndex(picture.SelfRef)
		if picture.SelfRef == "" {
			id = i
		}

		var children []Block
		for _, child := range picture.Children {
			refType, refNum, err := parseRef(child.Ref)
			if err != nil || refType != "texts" || refNum >= len(raw.Texts) {
				continue
			}
			children = append(children, textBlock(raw, refNum))
		}

		pictures = append(pictures, Picture{
			PictureID: id,
			Page:      pageNum,
			BBox:      bboxList(bbox),
			Children:  children,
		})
	}
	return pictures
}

// NormalizePageSequence fills gaps in page numbering with empty pages so the
// result is contiguous from 1 to the highest page number.
func NormalizePageSequence(content []Page) []Page {
	if len(content) == 0 {
		return content
	}

	byNum := make(map[int]Page, len(content))
	maxPage := 0
	for _, page := range content {
		byNum[page.Page] = page
		if page.Page > maxPage {
			maxPage = page.Page
		}
	}

	normalized := make([]Page, 0, maxPage)
	for num := 1; num <= maxPage; num++ {
		if page, ok := byNum[num]; ok {
			normalized = append(normalized, page)
			continue
		}
		normalized = append(normalized, Page{
			Page:           num,
			Content:        []Block{},
			PageDimensions: map[string]any{},
		})
	}
	return normalized
}

// tableToMarkdown renders the grid as a github-style markdown table. The
// first row is treated as the header when more than one row exists.
func tableToMarkdown(grid [][]RawTableCell) string {
	if len(grid) == 0 {
		return ""
	}

	row := func(cells []RawTableCell) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = strings.TrimSpace(normalizeText(cell.Text))
		}
		return "| " + strings.Join(parts, " | ") + " |"
	}

	separator := func(width int) string {
		parts := make([]string, width)
		for i := range parts {
			parts[i] = "---"
		}
		return "|" + strings.Join(parts, "|") + "|"
	}

	var lines []string
	if len(grid) > 1 {
		lines = append(lines, row(grid[0]), separator(len(grid[0])))
		for _, r := range grid[1:] {
			lines = append(lines, row(r))
		}
	} else {
		lines = append(lines, row(grid[0]))
	}
	return strings.Join(lines, "\n")
}
