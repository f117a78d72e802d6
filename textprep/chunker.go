package textprep

import "github.com/katechat/docproc/report"

// Chunker bundles text preparation and token splitting for the split stage.
type Chunker struct {
	splitter *Splitter
}

// NewChunker creates a chunker with the default splitter.
func NewChunker() (*Chunker, error) {
	splitter, err := NewSplitter()
	if err != nil {
		return nil, err
	}
	return &Chunker{splitter: splitter}, nil
}

// Prepare cleans and joins the report's page text.
func (c *Chunker) Prepare(r *report.Report) (*ChunkedReport, error) {
	return NewPreparation(r).ProcessReport()
}

// Split fills in the token-bounded chunks of a prepared report.
func (c *Chunker) Split(prepared *ChunkedReport) *ChunkedReport {
	return c.splitter.SplitReport(prepared)
}
