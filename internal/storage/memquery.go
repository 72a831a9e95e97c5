package storage

import (
	"cmp"
	"slices"

	"github.com/cyderes/bili-ingest/internal/models"
)

// applyQuery filters, sorts and caps rows in memory for backends that can
// only scan.
func applyQuery(rows []models.Video, t Table, q Query) []models.Video {
	q = q.normalized(t)

	out := make([]models.Video, 0, len(rows))
	for _, v := range rows {
		if q.From != nil && v.PubTimestamp < *q.From {
			continue
		}
		if q.To != nil && v.PubTimestamp > *q.To {
			continue
		}
		if q.Type != "" && v.Type != q.Type {
			continue
		}
		if q.BVID != "" && v.BVID != q.BVID {
			continue
		}
		out = append(out, v)
	}

	if q.SortBy != "" {
		slices.SortStableFunc(out, func(a, b models.Video) int {
			c := compareValues(videoValue(&a, q.SortBy), videoValue(&b, q.SortBy))
			if q.Desc {
				return -c
			}
			return c
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// compareValues orders column values; NULL sorts first.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	}
	return 0
}
