package frontier

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/parse"
	"github.com/Sriram-PR/frontier-crawler/pkg/rules"
	"github.com/Sriram-PR/frontier-crawler/pkg/storage"
)

// Options holds the rules the frontier applies on ingestion
type Options struct {
	IngestionFilter rules.DeciderList
	Priority        rules.PriorityRules
	Now             func() time.Time // Defaults to time.Now
}

// Frontier is the durable set of discovered URLs. The store is the source of truth;
// the status counters are a cache adjusted by every successful mutation.
type Frontier struct {
	store storage.FrontierStore
	pool  *rules.Pool
	opts  Options
	log   *logrus.Entry

	queued     atomic.Int64
	processing atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
}

// New wraps store and loads the status counters from it
func New(ctx context.Context, store storage.FrontierStore, pool *rules.Pool, opts Options, logger *logrus.Entry) (*Frontier, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	f := &Frontier{
		store: store,
		pool:  pool,
		opts:  opts,
		log:   logger.WithField("component", "frontier"),
	}
	if err := f.refresh(ctx); err != nil {
		return nil, err
	}
	st := f.Status()
	f.log.WithFields(logrus.Fields{
		"queued": st.Queued, "processing": st.Processing, "processed": st.Processed, "failed": st.Failed,
	}).Info("Frontier opened")
	return f, nil
}

func (f *Frontier) refresh(ctx context.Context) error {
	st, err := f.store.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("loading frontier status: %w", err)
	}
	f.queued.Store(st.Queued)
	f.processing.Store(st.Processing)
	f.processed.Store(st.Processed)
	f.failed.Store(st.Failed)
	return nil
}

// candidate is a normalized URL that passed the filter in the current batch
type candidate struct {
	hash       string
	normalized string
	subject    *rules.URLContext
}

// AddURLs normalizes, filters and deduplicates urls and inserts the new ones as QUEUED.
// accepted counts newly inserted URLs, rejected counts invalid or filtered ones.
// URLs already known (in this batch or in the store) count as neither.
func (f *Frontier) AddURLs(ctx context.Context, urls []string, applyFilter bool) (accepted, rejected int, err error) {
	if len(urls) == 0 {
		return 0, 0, nil
	}
	ev := f.pool.Acquire()
	defer f.pool.Release(ev)

	batch := make([]candidate, 0, len(urls))
	// Keyed by hash, or by the raw string when the URL does not parse
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		normalized, _, perr := parse.ParseAndNormalize(raw)
		if perr != nil {
			if _, dup := seen[raw]; dup {
				continue
			}
			seen[raw] = struct{}{}
			f.log.WithField("url", raw).Debugf("Rejecting unparseable URL: %v", perr)
			rejected++
			continue
		}
		hash := parse.URLHash(normalized)
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}
		subject, cerr := rules.NewURLContext(normalized)
		if cerr != nil {
			f.log.WithField("url", normalized).Debugf("Rejecting URL without context: %v", cerr)
			rejected++
			continue
		}
		if applyFilter && !f.admit(ev, subject) {
			rejected++
			continue
		}
		batch = append(batch, candidate{hash: hash, normalized: normalized, subject: subject})
	}
	if len(batch) == 0 {
		return 0, rejected, nil
	}

	hashes := make([]string, len(batch))
	for i, c := range batch {
		hashes[i] = c.hash
	}
	existing, err := f.store.ExistingHashes(ctx, hashes)
	if err != nil {
		return 0, rejected, fmt.Errorf("checking %d URLs against frontier: %w", len(hashes), err)
	}

	now := f.opts.Now().UTC()
	records := make([]models.URLRecord, 0, len(batch)-len(existing))
	for _, c := range batch {
		if _, known := existing[c.hash]; known {
			continue
		}
		records = append(records, models.URLRecord{
			Hash:     c.hash,
			URL:      c.normalized,
			Status:   models.URLStatusQueued,
			Priority: f.opts.Priority.Compute(ev, c.subject, f.log),
			// Keeps discovery order among equal priorities
			CreatedAt: now.Add(time.Duration(len(records))),
		})
	}
	if len(records) == 0 {
		return 0, rejected, nil
	}

	inserted, err := f.store.Insert(ctx, records)
	if err != nil {
		return 0, rejected, fmt.Errorf("inserting %d URLs into frontier: %w", len(records), err)
	}
	f.queued.Add(int64(inserted))
	return inserted, rejected, nil
}

// admit applies the ingestion filter. A filter that fails to evaluate rejects the URL.
func (f *Frontier) admit(ev *rules.Evaluator, subject *rules.URLContext) bool {
	verdict, err := f.opts.IngestionFilter.DecideStrict(ev, subject)
	if err != nil {
		f.log.WithField("url", subject.URL).Warnf("Ingestion filter failed, rejecting URL: %v", err)
		return false
	}
	return verdict == rules.ActionAccept
}

// ClaimNext moves up to count QUEUED records to PROCESSING, highest priority first
func (f *Frontier) ClaimNext(ctx context.Context, count int) ([]models.URLRecord, error) {
	if count <= 0 {
		return nil, nil
	}
	claimed, err := f.store.ClaimQueued(ctx, count)
	if err != nil {
		return nil, fmt.Errorf("claiming %d URLs: %w", count, err)
	}
	n := int64(len(claimed))
	f.queued.Add(-n)
	f.processing.Add(n)
	return claimed, nil
}

// MarkProcessed moves PROCESSING records to PROCESSED
func (f *Frontier) MarkProcessed(ctx context.Context, hashes []string) error {
	return f.finish(ctx, hashes, models.URLStatusProcessed, &f.processed)
}

// MarkFailed moves PROCESSING records to FAILED
func (f *Frontier) MarkFailed(ctx context.Context, hashes []string) error {
	return f.finish(ctx, hashes, models.URLStatusFailed, &f.failed)
}

func (f *Frontier) finish(ctx context.Context, hashes []string, to models.URLStatus, counter *atomic.Int64) error {
	if len(hashes) == 0 {
		return nil
	}
	n, err := f.store.Transition(ctx, hashes, models.URLStatusProcessing, to)
	if n > 0 {
		f.processing.Add(-int64(n))
		counter.Add(int64(n))
	}
	if err != nil {
		return fmt.Errorf("marking %d URLs %s: %w", len(hashes), to, err)
	}
	if n != len(hashes) {
		f.log.Warnf("Marked %d of %d URLs %s; the rest were not PROCESSING", n, len(hashes), to)
	}
	return nil
}

// RecoverOrphans returns every PROCESSING record to QUEUED. Run once before scheduling starts.
func (f *Frontier) RecoverOrphans(ctx context.Context) (int, error) {
	n, err := f.store.ResetProcessing(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovering orphaned URLs: %w", err)
	}
	f.processing.Add(-int64(n))
	f.queued.Add(int64(n))
	if n > 0 {
		f.log.Infof("Recovered %d orphaned URLs back to QUEUED", n)
	}
	return n, nil
}

// Status returns the cached per-status counts
func (f *Frontier) Status() models.FrontierStatus {
	return models.FrontierStatus{
		Queued:     f.queued.Load(),
		Processing: f.processing.Load(),
		Processed:  f.processed.Load(),
		Failed:     f.failed.Load(),
	}
}

// Close closes the underlying store
func (f *Frontier) Close() error {
	return f.store.Close()
}
