package persistcache

import "sort"

// Compact reclaims roughly the given fraction of all entries in response to
// memory pressure. Already-expired entries count toward the target first;
// if they do not cover it, live entries are evicted with ReasonCapacity
// strictly tier by tier, Low then Normal then High, least recently used
// first within a tier. PriorityNeverRemove entries are never touched. The
// fraction must be in (0, 1).
func (e *Engine[K, V]) Compact(fraction float64) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if fraction <= 0 || fraction >= 1 {
		return ErrInvalidTarget
	}

	snapshot := e.table.snapshot()
	now := e.now()

	var doomed []*entry[K, V]
	buckets := make(map[Priority][]*entry[K, V], 3)
	for _, ent := range snapshot {
		switch {
		case ent.expired(now):
			doomed = append(doomed, ent)
		case ent.priority == PriorityNeverRemove:
		default:
			buckets[ent.priority] = append(buckets[ent.priority], ent)
		}
	}

	target := int(fraction * float64(len(snapshot)))
	count := len(doomed)
	for _, tier := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		if count >= target {
			break
		}
		bucket := buckets[tier]
		if count+len(bucket) <= target {
			for _, ent := range bucket {
				ent.markEvicted(ReasonCapacity)
			}
			doomed = append(doomed, bucket...)
			count += len(bucket)
			continue
		}
		sort.Slice(bucket, func(i, j int) bool {
			return bucket[i].lastAccessed.Load() < bucket[j].lastAccessed.Load()
		})
		for _, ent := range bucket {
			if count >= target {
				break
			}
			ent.markEvicted(ReasonCapacity)
			doomed = append(doomed, ent)
			count++
		}
		break
	}

	e.removeEntries(doomed)
	return nil
}
