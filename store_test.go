package interceptor

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTx(method, rawURL string, status int) Transaction {
	t := Transaction{
		Request: HTTPRequest{
			Method:    method,
			URL:       rawURL,
			Headers:   map[string]string{},
			Body:      []byte{},
			Timestamp: time.Now(),
		},
	}
	if status != 0 {
		t.Response = &HTTPResponse{Status: status, Headers: map[string]string{}, Body: []byte{}}
	}
	return t
}

func TestStore_AppendOrderAndIDs(t *testing.T) {
	s := NewStore()

	var ids []string
	for i := range 5 {
		tx, ok := s.Append(newTx("GET", fmt.Sprintf("http://h/%d", i), 200))
		if !ok {
			t.Fatalf("Append(%d) = false", i)
		}
		if tx.ID == "" {
			t.Fatalf("Append(%d) assigned no id", i)
		}
		ids = append(ids, tx.ID)
	}

	list := s.List()
	if len(list) != 5 {
		t.Fatalf("List() len = %d, want 5", len(list))
	}
	seen := make(map[string]bool)
	for i, tx := range list {
		if tx.ID != ids[i] {
			t.Errorf("List()[%d].ID = %s, want %s", i, tx.ID, ids[i])
		}
		if seen[tx.ID] {
			t.Errorf("duplicate id %s", tx.ID)
		}
		seen[tx.ID] = true
	}
}

func TestStore_AppendDuplicateID(t *testing.T) {
	s := NewStore()
	tx := newTx("GET", "http://h/", 200)
	tx.ID = "fixed"

	if _, ok := s.Append(tx); !ok {
		t.Fatal("first Append should succeed")
	}
	if _, ok := s.Append(tx); ok {
		t.Error("duplicate id should be rejected")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStore_SnapshotsAreIsolated(t *testing.T) {
	s := NewStore()
	tx := newTx("GET", "http://h/", 200)
	tx.Request.Headers["X-A"] = "1"
	stored, _ := s.Append(tx)

	// Mutating the caller's value or a snapshot must not leak into the store.
	tx.Request.Headers["X-A"] = "changed"
	snap := s.List()[0]
	snap.Request.Headers["X-A"] = "also changed"
	snap.Response.Status = 500

	got, _ := s.Get(stored.ID)
	if got.Request.Headers["X-A"] != "1" || got.Response.Status != 200 {
		t.Errorf("stored transaction was mutated: %+v", got)
	}
}

func TestStore_ToggleFavorite(t *testing.T) {
	s := NewStore()
	tx, _ := s.Append(newTx("GET", "http://h/", 200))

	if !s.ToggleFavorite(tx.ID) {
		t.Error("first toggle should return true")
	}
	if s.ToggleFavorite(tx.ID) {
		t.Error("second toggle should return false")
	}
	if got, _ := s.Get(tx.ID); got.IsFavorite {
		t.Error("toggling twice should restore the original state")
	}

	before := s.List()
	if s.ToggleFavorite("no-such-id") {
		t.Error("unknown id should return false")
	}
	after := s.List()
	if len(before) != len(after) || after[0].IsFavorite != before[0].IsFavorite {
		t.Error("unknown id must leave the store untouched")
	}
}

func TestStore_Favorites(t *testing.T) {
	s := NewStore()
	a, _ := s.Append(newTx("GET", "http://a/", 200))
	s.Append(newTx("GET", "http://b/", 200))
	c, _ := s.Append(newTx("GET", "http://c/", 200))

	s.ToggleFavorite(c.ID)
	s.ToggleFavorite(a.ID)

	favs := s.Favorites()
	if len(favs) != 2 || favs[0].ID != a.ID || favs[1].ID != c.ID {
		t.Errorf("Favorites() = %v, want [a c] in append order", favs)
	}
}

func TestStore_Clear(t *testing.T) {
	s := NewStore()
	tx, _ := s.Append(newTx("GET", "http://h/", 200))
	s.Clear()

	if s.Len() != 0 || len(s.List()) != 0 {
		t.Error("Clear should empty the store")
	}
	if _, ok := s.Get(tx.ID); ok {
		t.Error("Get after Clear should fail")
	}
	// Ids are free again after a clear.
	if _, ok := s.Append(tx); !ok {
		t.Error("re-Append after Clear should succeed")
	}
}

func TestStore_Restore(t *testing.T) {
	s := NewStore()
	existing, _ := s.Append(newTx("GET", "http://live/", 200))

	archived := []Transaction{existing, newTx("GET", "http://old1/", 200), newTx("GET", "http://old2/", 200)}
	archived[1].ID = "old-1"
	archived[2].ID = "old-2"

	if n := s.Restore(archived); n != 2 {
		t.Errorf("Restore() = %d, want 2", n)
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

func TestSearchFilter_Match(t *testing.T) {
	s := NewStore()
	s.Append(newTx("GET", "http://api.example.com/users", 200))
	s.Append(newTx("POST", "http://api.example.com/users", 201))
	s.Append(newTx("GET", "http://cdn.other.net/app.js", 404))
	s.Append(newTx("GET", "http://pending.example.com/", 0))

	get, post := "GET", "POST"
	s200, s404 := 200, 404
	exampleDomain := "example.com"

	tests := []struct {
		name   string
		filter SearchFilter
		want   int
	}{
		{"empty filter equals list", SearchFilter{}, 4},
		{"keyword in url", SearchFilter{Keyword: "users"}, 2},
		{"keyword matches method", SearchFilter{Keyword: "POST"}, 1},
		{"method", SearchFilter{Method: &get}, 3},
		{"status", SearchFilter{Status: &s404}, 1},
		{"status skips missing response", SearchFilter{Status: &s200}, 1},
		{"domain", SearchFilter{Domain: &exampleDomain}, 3},
		{"all constraints", SearchFilter{Keyword: "users", Method: &post, Domain: &exampleDomain}, 1},
		{"no match", SearchFilter{Keyword: "nothing-here"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Search(tt.filter.Match)
			if len(got) != tt.want {
				t.Errorf("Search() = %d results, want %d", len(got), tt.want)
			}
		})
	}

	if len(s.Search(SearchFilter{}.Match)) != len(s.List()) {
		t.Error("empty search must equal List()")
	}
}

func TestStore_ConcurrentAppend(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, _ := s.Append(newTx("GET", fmt.Sprintf("http://h/%d", i), 200))
			s.ToggleFavorite(tx.ID)
			_ = s.List()
		}()
	}
	wg.Wait()

	if s.Len() != 50 {
		t.Errorf("Len() = %d, want 50", s.Len())
	}
	if len(s.Favorites()) != 50 {
		t.Errorf("Favorites() = %d, want 50", len(s.Favorites()))
	}
}
