package entitydb

// SearchCriteria selects a page. PageNumber is 1-based; zero is treated as 1.
// A PageSize of zero returns every result on one page.
type SearchCriteria struct {
	PageNumber int `json:"pageNumber" yaml:"pageNumber"`
	PageSize   int `json:"pageSize" yaml:"pageSize"`
}

// AllResults selects everything.
var AllResults = SearchCriteria{}

func (c SearchCriteria) window() (start, end int) {
	if c.PageSize <= 0 {
		return 0, -1
	}
	page := c.PageNumber
	if page < 1 {
		page = 1
	}
	start = (page - 1) * c.PageSize
	return start, start + c.PageSize
}

type SearchResults[T any] struct {
	// NumResults counts every processed record, not just the returned page.
	NumResults int  `json:"numResults"`
	Results    []*T `json:"results"`
}

// Pager keeps the records of one page out of a stream of records.
type Pager[T any] struct {
	start, end int
	total      int
	page       []*T
}

func NewPager[T any](criteria SearchCriteria) *Pager[T] {
	start, end := criteria.window()
	return &Pager[T]{start: start, end: end}
}

func (p *Pager[T]) Process(v *T) {
	if p.total >= p.start && (p.end < 0 || p.total < p.end) {
		p.page = append(p.page, v)
	}
	p.total++
}

func (p *Pager[T]) Total() int { return p.total }

func (p *Pager[T]) Results() SearchResults[T] {
	page := p.page
	if page == nil {
		page = []*T{}
	}
	return SearchResults[T]{NumResults: p.total, Results: page}
}
