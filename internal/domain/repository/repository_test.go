package repository

import "testing"

// TestNewPagination clamps out-of-range values.
func TestNewPagination(t *testing.T) {
	tests := []struct {
		page, size         int
		wantPage, wantSize int
		wantOffset         int
	}{
		{0, 0, 1, DefaultPageSize, 0},
		{3, 10, 3, 10, 20},
		{2, 500, 2, MaxPageSize, MaxPageSize},
	}
	for _, tt := range tests {
		p := NewPagination(tt.page, tt.size)
		if p.Page != tt.wantPage || p.Limit() != tt.wantSize || p.Offset() != tt.wantOffset {
			t.Errorf("NewPagination(%d, %d) = %+v offset %d, want page %d size %d offset %d",
				tt.page, tt.size, p, p.Offset(), tt.wantPage, tt.wantSize, tt.wantOffset)
		}
	}
}

// TestNewPagedResult rounds total pages up and tolerates a zero page size.
func TestNewPagedResult(t *testing.T) {
	r := NewPagedResult([]int{1, 2}, 41, NewPagination(1, 20))
	if r.TotalPages != 3 {
		t.Fatalf("TotalPages = %d, want 3", r.TotalPages)
	}

	empty := NewPagedResult[int](nil, 0, Pagination{})
	if empty.TotalPages != 0 || empty.PageSize != DefaultPageSize || empty.Page != 1 {
		t.Fatalf("empty result = %+v", empty)
	}
}
