// Package report converts the parser's intermediate document into the
// canonical processed report and merges partial reports produced by
// partitioned parsing back into one document.
package report

import (
	json "github.com/goccy/go-json"
)

// Block content types emitted into page content.
const (
	TypeTitle              = "title"
	TypeText               = "text"
	TypeCaption            = "caption"
	TypeParagraph          = "paragraph"
	TypeSectionHeader      = "section_header"
	TypePageHeader         = "page_header"
	TypePageFooter         = "page_footer"
	TypeFootnote           = "footnote"
	TypeListItem           = "list_item"
	TypeCheckboxSelected   = "checkbox_selected"
	TypeCheckboxUnselected = "checkbox_unselected"
	TypeFormula            = "formula"
	TypeTable              = "table"
	TypePicture            = "picture"
	TypeCode               = "code"
)

// Ref is a JSON pointer reference between document nodes.
type Ref struct {
	Ref string `json:"$ref"`
}

// Prov locates an item on a page.
type Prov struct {
	PageNo int            `json:"page_no"`
	BBox   map[string]any `json:"bbox"`
}

// RawText is one text node of the intermediate document.
type RawText struct {
	SelfRef    string `json:"self_ref"`
	Label      string `json:"label"`
	Text       string `json:"text"`
	Orig       string `json:"orig"`
	Enumerated *bool  `json:"enumerated,omitempty"`
	Marker     string `json:"marker,omitempty"`
	Prov       []Prov `json:"prov"`
	Children   []Ref  `json:"children"`
}

// RawTableCell is one grid cell.
type RawTableCell struct {
	Text string `json:"text"`
}

// RawTableData holds the table grid.
type RawTableData struct {
	NumRows int              `json:"num_rows"`
	NumCols int              `json:"num_cols"`
	Grid    [][]RawTableCell `json:"grid"`
}

// RawTable is one table node of the intermediate document.
type RawTable struct {
	SelfRef string       `json:"self_ref"`
	Prov    []Prov       `json:"prov"`
	Data    RawTableData `json:"data"`
}

// RawPicture is one picture node of the intermediate document.
type RawPicture struct {
	SelfRef  string `json:"self_ref"`
	Prov     []Prov `json:"prov"`
	Children []Ref  `json:"children"`
}

// RawGroup bundles sibling nodes (lists, inline groups).
type RawGroup struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Children []Ref  `json:"children"`
}

// RawBody is the document reading-order root.
type RawBody struct {
	Children []Ref `json:"children"`
}

// RawOrigin describes the source file.
type RawOrigin struct {
	Filename string `json:"filename"`
}

// RawDocument is the intermediate JSON written by the parser worker.
type RawDocument struct {
	Origin    RawOrigin                  `json:"origin"`
	Body      RawBody                    `json:"body"`
	Groups    []RawGroup                 `json:"groups"`
	Texts     []RawText                  `json:"texts"`
	Tables    []RawTable                 `json:"tables"`
	Pictures  []RawPicture               `json:"pictures"`
	Equations []json.RawMessage          `json:"equations"`
	Pages     map[string]json.RawMessage `json:"pages"`
}

// Block is one content item of a processed page.
type Block struct {
	Text       *string `json:"text,omitempty"`
	Type       string  `json:"type"`
	TextID     *int    `json:"text_id,omitempty"`
	Orig       string  `json:"orig,omitempty"`
	Enumerated *bool   `json:"enumerated,omitempty"`
	Marker     string  `json:"marker,omitempty"`
	GroupID    *int    `json:"group_id,omitempty"`
	GroupName  string  `json:"group_name,omitempty"`
	GroupLabel string  `json:"group_label,omitempty"`
	TableID    *int    `json:"table_id,omitempty"`
	PictureID  *int    `json:"picture_id,omitempty"`
}

// HasText reports whether the block carries text content (directly or by
// text reference).
func (b Block) HasText() bool {
	return b.Text != nil || b.TextID != nil
}

// PlainText returns the block text, empty for reference-only blocks.
func (b Block) PlainText() string {
	if b.Text == nil {
		return ""
	}
	return *b.Text
}

// Page is one processed page with its content blocks in reading order.
type Page struct {
	Page           int            `json:"page"`
	Content        []Block        `json:"content"`
	PageDimensions map[string]any `json:"page_dimensions"`
}

// Table is one processed table with its markdown rendering.
type Table struct {
	TableID  int       `json:"table_id"`
	Page     int       `json:"page"`
	BBox     []float64 `json:"bbox"`
	NumRows  int       `json:"#-rows"`
	NumCols  int       `json:"#-cols"`
	Markdown string    `json:"markdown"`
}

// Picture is one processed picture with its caption blocks.
type Picture struct {
	PictureID int       `json:"picture_id"`
	Page      int       `json:"page"`
	BBox      []float64 `json:"bbox"`
	Children  []Block   `json:"children"`
}

// Metainfo carries document-level statistics.
type Metainfo struct {
	SHA1Name         string `json:"sha1_name"`
	PagesAmount      int    `json:"pages_amount"`
	TextBlocksAmount int    `json:"text_blocks_amount"`
	TablesAmount     int    `json:"tables_amount"`
	PicturesAmount   int    `json:"pictures_amount"`
	EquationsAmount  int    `json:"equations_amount"`
	FootnotesAmount  int    `json:"footnotes_amount"`
}

// Report is the canonical processed report persisted as K.parsed.json.
type Report struct {
	Metainfo *Metainfo `json:"metainfo,omitempty"`
	Content  []Page    `json:"content"`
	Tables   []Table   `json:"tables"`
	Pictures []Picture `json:"pictures"`
}
