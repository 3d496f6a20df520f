package applier

import (
	"errors"
	"testing"

	"cobber.com/pgindexadvisor/internal/catalog"
)

func TestAlreadyExists(t *testing.T) {
	existing := []catalog.Index{
		{Table: "ratings", Columns: []string{"user_id"}},
	}
	if !alreadyExists("ratings", []string{"user_id"}, existing) {
		t.Fatalf("expected (ratings, [user_id]) to already exist")
	}
	if alreadyExists("ratings", []string{"movie_id"}, existing) {
		t.Fatalf("(ratings, [movie_id]) should not be reported as existing")
	}
	if alreadyExists("ratings", []string{"user_id", "movie_id"}, existing) {
		t.Fatalf("a different column count must not be considered a match")
	}
}

func TestIsLockNotAvailable(t *testing.T) {
	if !isLockNotAvailable(errors.New("pq: lock not available")) {
		t.Fatalf("expected a 'lock not available' error to be recognized")
	}
	if isLockNotAvailable(errors.New("pq: syntax error")) {
		t.Fatalf("a syntax error must not be mistaken for a lock-not-available error")
	}
}
