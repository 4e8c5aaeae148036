// Package cache holds the in-process caches used to avoid repeated store
// lookups on hot read paths, such as vendor → category resolution.
package cache

import (
	"log/slog"
	"time"
)

// Cache is a string-keyed cache of T.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Purge()
	Size() int
}

// Cleaner is implemented by caches whose entries expire.
type Cleaner interface {
	CleanExpired() int
}

// Janitor periodically drops expired entries from registered caches.
type Janitor struct {
	caches []Cleaner
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

func NewJanitor(logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Register must be called before Start.
func (j *Janitor) Register(c Cleaner) {
	j.caches = append(j.caches, c)
}

func (j *Janitor) Start(interval time.Duration) {
	go j.run(interval)
}

func (j *Janitor) run(interval time.Duration) {
	defer close(j.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := 0
			for _, c := range j.caches {
				removed += c.CleanExpired()
			}
			if removed > 0 {
				j.logger.Debug("Expired cache entries removed", "count", removed)
			}
		case <-j.stop:
			return
		}
	}
}

// Stop halts the janitor and waits for it to exit. It must only be called
// after Start.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}
