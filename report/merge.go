package report

import "sort"

// Merge reassembles partial reports produced by partitioned parsing into one
// canonical report. Partials must be ordered by batch index. Pages are
// renumbered to a contiguous 1..N sequence and table/picture page fields are
// rebased onto the merged numbering.
func Merge(partials []*Report) *Report {
	merged := &Report{
		Content:  []Page{},
		Tables:   []Table{},
		Pictures: []Picture{},
	}

	offset := 0
	for _, partial := range partials {
		if partial == nil {
			continue
		}

		if merged.Metainfo == nil && partial.Metainfo != nil {
			info := *partial.Metainfo
			merged.Metainfo = &info
		}

		for _, page := range partial.Content {
			renumbered := page
			renumbered.Page = len(merged.Content) + 1
			merged.Content = append(merged.Content, renumbered)
		}

		tables := append([]Table(nil), partial.Tables...)
		sort.SliceStable(tables, func(i, j int) bool { return tables[i].TableID < tables[j].TableID })
		for _, table := range tables {
			table.Page = offset + table.Page
			merged.Tables = append(merged.Tables, table)
		}

		pictures := append([]Picture(nil), partial.Pictures...)
		sort.SliceStable(pictures, func(i, j int) bool { return pictures[i].PictureID < pictures[j].PictureID })
		for _, picture := range pictures {
			picture.Page = offset + picture.Page
			merged.Pictures = append(merged.Pictures, picture)
		}

		offset += len(partial.Content)
	}

	recomputeMetainfo(merged)
	return merged
}

// recomputeMetainfo refreshes the aggregate counters after a merge.
func recomputeMetainfo(r *Report) {
	if r.Metainfo == nil {
		r.Metainfo = &Metainfo{}
	}

	textBlocks := 0
	footnotes := 0
	equations := 0
	for _, page := range r.Content {
		for _, block := range page.Content {
			if block.HasText() {
				textBlocks++
			}
			switch block.Type {
			case TypeFootnote:
				footnotes++
			case TypeFormula:
				equations++
			}
		}
	}

	r.Metainfo.PagesAmount = len(r.Content)
	r.Metainfo.TablesAmount = len(r.Tables)
	r.Metainfo.PicturesAmount = len(r.Pictures)
	r.Metainfo.TextBlocksAmount = textBlocks
	r.Metainfo.FootnotesAmount = footnotes
	r.Metainfo.EquationsAmount = equations
}
