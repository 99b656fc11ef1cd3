package valkey

import "github.com/redis/rueidis"

// NewStoreForTest wraps a provided rueidis client (test-only).
func NewStoreForTest(c rueidis.Client, bareSearch bool) *Store {
	return &Store{client: c, bareSearch: bareSearch}
}
