package cache

import "fmt"

// InitCacheError wraps a failure to reach the Redis tier.
type InitCacheError struct {
	Err error
}

func (e *InitCacheError) Error() string {
	return fmt.Sprintf("cache: init redis tier: %s", e.Err)
}

func (e *InitCacheError) Unwrap() error {
	return e.Err
}
