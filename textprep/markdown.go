package textprep

import (
	"fmt"
	"strings"

	"github.com/katechat/docproc/report"
)

// Markdown renders the full document as markdown: a document heading followed
// by one section per page with its prepared text.
func Markdown(r *report.Report) (string, error) {
	var parts []string

	name := "Document"
	if r.Metainfo != nil && r.Metainfo.SHA1Name != "" {
		name = r.Metainfo.SHA1Name
	}
	parts = append(parts, fmt.Sprintf("# %s\n", name))

	prep := NewPreparation(r)
	for _, page := range r.Content {
		parts = append(parts, fmt.Sprintf("\n---\n\n## Page %d\n", page.Page))
		text, err := prep.PreparePageText(page.Page)
		if err != nil {
			return "", err
		}
		if text != "" {
			parts = append(parts, cleanText(text))
		}
	}

	return strings.Join(parts, "\n"), nil
}
