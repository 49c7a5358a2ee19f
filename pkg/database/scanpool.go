package database

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// ScanPool bounds how many discovery scans may hit the database concurrently
// so long-running filesystem walks cannot starve the request-serving pool.
type ScanPool struct {
	sem *semaphore.Weighted
}

// NewScanPool creates a pool allowing up to n concurrent scans.
func NewScanPool(n int64) *ScanPool {
	if n <= 0 {
		n = 2
	}
	return &ScanPool{sem: semaphore.NewWeighted(n)}
}

// Acquire blocks until a scan slot is free or ctx is done. The returned
// release function must be called exactly once.
func (p *ScanPool) Acquire(ctx context.Context) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}
