package shared

// PagingInfo describes a window over a list result.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page"`
	NextPage int  `json:"next_page"`
}

// ClampPage normalises page/pageSize to sane bounds.
func ClampPage(page, pageSize, maxPageSize int) (int, int) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if maxPageSize > 0 && pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if page <= 0 {
		page = 1
	}
	return page, pageSize
}
