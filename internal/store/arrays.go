package store

import "github.com/jackc/pgtype"

// stringArray scans a Postgres text[] column.
type stringArray struct {
	pgtype.TextArray
}

func (a *stringArray) elements() []string {
	if a.Status != pgtype.Present {
		return nil
	}
	out := make([]string, 0, len(a.Elements))
	for _, e := range a.Elements {
		if e.Status == pgtype.Present {
			out = append(out, e.String)
		}
	}
	return out
}

func textArray(vals []string) *pgtype.TextArray {
	if vals == nil {
		vals = []string{}
	}
	var arr pgtype.TextArray
	_ = arr.Set(vals)
	return &arr
}
