package shared

// Page size bounds for list endpoints.
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination clamps page and perPage into range and derives the page count.
func NewPagination(page, perPage, total int) Pagination {
	switch {
	case perPage <= 0:
		perPage = DefaultPerPage
	case perPage > MaxPerPage:
		perPage = MaxPerPage
	}
	if page <= 0 {
		page = 1
	}
	if total < 0 {
		total = 0
	}
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: (total + perPage - 1) / perPage}
}

// Offset is the number of rows skipped before this page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}
