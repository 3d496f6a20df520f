package catalog

import (
	"reflect"
	"testing"
)

func TestParseIndexColumns(t *testing.T) {
	cases := []struct {
		indexdef string
		want     []string
	}{
		{
			indexdef: `CREATE INDEX ix_ratings_user ON public.ratings USING btree (user_id)`,
			want:     []string{"user_id"},
		},
		{
			indexdef: `CREATE INDEX ix_ratings_user_movie ON public.ratings USING btree (user_id, movie_id)`,
			want:     []string{"user_id", "movie_id"},
		},
		{
			indexdef: `CREATE INDEX ix_weird ON public.t USING btree ("Col A", b)`,
			want:     []string{"Col A", "b"},
		},
	}

	for _, tc := range cases {
		got := parseIndexColumns(tc.indexdef)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("parseIndexColumns(%q) = %v, want %v", tc.indexdef, got, tc.want)
		}
	}
}
