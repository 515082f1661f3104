package interceptor

import (
	"strings"
	"sync"
)

// Store is the ordered, concurrency-safe record of every transaction the
// proxy has committed. It grows without bound until Clear is called.
type Store struct {
	mu    sync.RWMutex
	txs   []Transaction
	index map[string]int // id -> position in txs
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// Append records a fully formed transaction. Transactions without an id are
// assigned one. Appending an id that is already present is a no-op and
// returns false.
func (s *Store) Append(t Transaction) (Transaction, bool) {
	if t.ID == "" {
		t.ID = NewTransactionID()
	}
	t = t.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.index[t.ID]; dup {
		return Transaction{}, false
	}
	s.index[t.ID] = len(s.txs)
	s.txs = append(s.txs, t)
	return t.Clone(), true
}

// Restore seeds the store with previously archived transactions, skipping
// ids already present. Order is preserved.
func (s *Store) Restore(txs []Transaction) int {
	n := 0
	for _, t := range txs {
		if _, ok := s.Append(t); ok {
			n++
		}
	}
	return n
}

// List returns a snapshot of all transactions in append order.
func (s *Store) List() []Transaction {
	return s.Search(nil)
}

// Search returns a snapshot of the transactions matching pred, in append
// order. A nil predicate matches everything.
func (s *Store) Search(pred func(Transaction) bool) []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Transaction, 0, len(s.txs))
	for _, t := range s.txs {
		if pred == nil || pred(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Get returns the transaction with the given id.
func (s *Store) Get(id string) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return Transaction{}, false
	}
	return s.txs[i].Clone(), true
}

// ToggleFavorite flips the favorite flag of a transaction and returns the
// new state. Unknown ids return false and leave the store untouched.
func (s *Store) ToggleFavorite(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.txs[i].IsFavorite = !s.txs[i].IsFavorite
	return s.txs[i].IsFavorite
}

// Favorites returns the favorited transactions in append order.
func (s *Store) Favorites() []Transaction {
	return s.Search(func(t Transaction) bool { return t.IsFavorite })
}

// Clear drops every transaction.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txs = nil
	s.index = make(map[string]int)
}

// Len returns the number of stored transactions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txs)
}

// SearchFilter selects transactions. Every supplied constraint must hold;
// zero-valued constraints match everything.
type SearchFilter struct {
	// Keyword is matched as a substring of the URL or the method.
	Keyword string `json:"keyword"`

	// Method must equal the request method exactly.
	Method *string `json:"method,omitempty"`

	// Status must equal the response status. Transactions without a
	// response never match a status constraint.
	Status *int `json:"status,omitempty"`

	// Domain is matched as a substring of the URL.
	Domain *string `json:"domain,omitempty"`
}

// Match reports whether t satisfies the filter.
func (f SearchFilter) Match(t Transaction) bool {
	if f.Keyword != "" &&
		!strings.Contains(t.Request.URL, f.Keyword) &&
		!strings.Contains(t.Request.Method, f.Keyword) {
		return false
	}
	if f.Method != nil && t.Request.Method != *f.Method {
		return false
	}
	if f.Status != nil && (t.Response == nil || t.Response.Status != *f.Status) {
		return false
	}
	if f.Domain != nil && !strings.Contains(t.Request.URL, *f.Domain) {
		return false
	}
	return true
}
