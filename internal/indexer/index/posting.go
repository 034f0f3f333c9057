package index

// Posting records how often a term occurs in one document.
type Posting struct {
	DocID     string `json:"d"`
	Frequency int    `json:"f"`
}

type PostingList []Posting

// TermEntry is one dictionary row as written to a segment.
type TermEntry struct {
	Term     string
	Postings PostingList
}
