package baseline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/persistence"
)

type snapshot map[models.BaselineKey]models.Baseline

// Cache is the read-mostly view of learned baselines. Readers always see a
// complete snapshot; writers replace it wholesale.
type Cache struct {
	snap atomic.Pointer[snapshot]
}

func NewCache() *Cache {
	c := &Cache{}
	empty := snapshot{}
	c.snap.Store(&empty)
	return c
}

// Get returns the baseline of one bucket.
func (c *Cache) Get(deviceID int64, metric string, bucket models.BucketKey) (models.Baseline, bool) {
	b, ok := (*c.snap.Load())[models.BaselineKey{ResourceID: deviceID, Metric: metric, Bucket: bucket}]
	return b, ok
}

// Lookup returns the baseline of the bucket t falls into.
func (c *Cache) Lookup(deviceID int64, metric string, t time.Time, loc *time.Location) (models.Baseline, bool) {
	return c.Get(deviceID, metric, models.BucketFor(t, loc))
}

func (c *Cache) Len() int {
	return len(*c.snap.Load())
}

// Replace swaps in a snapshot holding exactly rows.
func (c *Cache) Replace(rows []models.Baseline) {
	next := make(snapshot, len(rows))
	for _, r := range rows {
		next[r.Key()] = r
	}
	c.snap.Store(&next)
}

// Merge swaps in a copy of the current snapshot with rows overlaid.
func (c *Cache) Merge(rows []models.Baseline) {
	cur := *c.snap.Load()
	next := make(snapshot, len(cur)+len(rows))
	for k, v := range cur {
		next[k] = v
	}
	for _, r := range rows {
		next[r.Key()] = r
	}
	c.snap.Store(&next)
}

// Warm loads every stored baseline.
func (c *Cache) Warm(ctx context.Context, store persistence.BaselineStore) error {
	rows, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("warm baseline cache: %w", err)
	}
	c.Replace(rows)
	return nil
}
