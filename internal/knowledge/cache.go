package knowledge

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// resultTTL bounds how long a cached search survives without an index change.
const resultTTL = 10 * time.Minute

// resultCache is an in-process cache of search results keyed by query and limit.
// It is cleared whenever the index changes.
type resultCache struct {
	c *ristretto.Cache[string, []Result]
}

// newResultCache creates a cache holding at most maxCost bytes of result content.
func newResultCache(maxCost int64) (*resultCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []Result]{
		NumCounters: maxCost / 100 * 10, // ~10x expected items
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}
	return &resultCache{c: c}, nil
}

func cacheKey(query string, topK int) string {
	return fmt.Sprintf("%d|%s", topK, strings.Join(keywords(query), " "))
}

func (rc *resultCache) get(key string) ([]Result, bool) {
	results, ok := rc.c.Get(key)
	if !ok {
		return nil, false
	}
	return append([]Result(nil), results...), true
}

func (rc *resultCache) set(key string, results []Result) {
	var cost int64 = 1
	for _, r := range results {
		cost += int64(len(r.Content) + len(r.Title) + len(r.Source))
	}
	rc.c.SetWithTTL(key, append([]Result(nil), results...), cost, resultTTL)
}

// wait blocks until buffered writes are applied.
func (rc *resultCache) wait() {
	rc.c.Wait()
}

func (rc *resultCache) clear() {
	rc.c.Clear()
}

func (rc *resultCache) close() {
	rc.c.Close()
}
