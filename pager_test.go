package entitydb

import "testing"

func pageOf(criteria SearchCriteria, n int) SearchResults[int] {
	p := NewPager[int](criteria)
	for i := 1; i <= n; i++ {
		v := i
		p.Process(&v)
	}
	return p.Results()
}

func values(res SearchResults[int]) []int {
	out := []int{}
	for _, v := range res.Results {
		out = append(out, *v)
	}
	return out
}

func TestPager(t *testing.T) {
	tests := []struct {
		criteria SearchCriteria
		n        int
		want     []int
	}{
		{SearchCriteria{PageNumber: 1, PageSize: 3}, 7, []int{1, 2, 3}},
		{SearchCriteria{PageNumber: 2, PageSize: 3}, 7, []int{4, 5, 6}},
		{SearchCriteria{PageNumber: 3, PageSize: 3}, 7, []int{7}},
		{SearchCriteria{PageNumber: 4, PageSize: 3}, 7, []int{}},
		{SearchCriteria{PageNumber: 0, PageSize: 3}, 7, []int{1, 2, 3}},
		{SearchCriteria{PageNumber: -2, PageSize: 2}, 7, []int{1, 2}},
		{SearchCriteria{PageNumber: 5, PageSize: 0}, 4, []int{1, 2, 3, 4}},
		{AllResults, 0, []int{}},
	}
	for _, tt := range tests {
		res := pageOf(tt.criteria, tt.n)
		if res.NumResults != tt.n {
			t.Errorf("%+v: NumResults = %d, wanted %d", tt.criteria, res.NumResults, tt.n)
		}
		deepEqual(t, values(res), tt.want)
		if res.Results == nil {
			t.Errorf("%+v: Results is nil", tt.criteria)
		}
	}
}

func TestPager_Total(t *testing.T) {
	p := NewPager[string](SearchCriteria{PageNumber: 1, PageSize: 1})
	a, b := "a", "b"
	p.Process(&a)
	p.Process(&b)
	deepEqual(t, p.Total(), 2)
	deepEqual(t, len(p.Results().Results), 1)
}
