package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pbaille/classifier/internal/classifier"
	"github.com/pbaille/classifier/internal/domain"
	"github.com/pbaille/classifier/internal/store"
)

// run executes one job. Runs for the same tag are serialized, and the
// taggings of the tag are replaced once, after every entry is scored.
func (e *Engine) run(ctx context.Context, j *job) {
	snap := j.snapshot()
	lock := e.tagLock(snap.TagID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !j.start(e.now().UTC(), cancel) {
		e.forget(j)
		return
	}

	ctx, span := e.tracer.Start(ctx, "engine.Job",
		trace.WithAttributes(
			attribute.String("job.id", snap.ID),
			attribute.Int64("tag.id", snap.TagID),
		),
	)
	defer span.End()
	begin := time.Now()
	e.logger.Infof("job %s: classifying entries for tag %d", snap.ID, snap.TagID)

	status := domain.JobComplete
	err := e.classifyAll(ctx, j, snap.TagID)
	switch {
	case err == nil:
	case ctx.Err() != nil && j.status() == domain.JobCancelled:
		status = domain.JobCancelled
	default:
		status = domain.JobFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	now := e.now().UTC()
	switch status {
	case domain.JobComplete:
		if !j.finish(domain.JobComplete, "", now) {
			status = domain.JobCancelled
			e.logger.Infof("job %s: cancelled after its taggings were committed", snap.ID)
			break
		}
		e.logger.Infof("job %s: complete in %s", snap.ID, time.Since(begin))
	case domain.JobFailed:
		if ctx.Err() != nil {
			err = fmt.Errorf("engine stopped: %w", err)
		}
		j.finish(domain.JobFailed, err.Error(), now)
		e.logger.Errorf("job %s: failed: %v", snap.ID, err)
	case domain.JobCancelled:
		e.logger.Infof("job %s: cancelled", snap.ID)
	}
	e.forget(j)

	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	e.jobsCounter.Add(ctx, 1, attrs)
	e.jobDuration.Record(ctx, float64(time.Since(begin).Milliseconds()), attrs)
}

func (e *Engine) classifyAll(ctx context.Context, j *job, tagID int64) error {
	tagger, err := e.buildTagger(ctx, tagID)
	if err != nil {
		return err
	}

	total, err := e.store.CountTokenizedEntries(ctx)
	if err != nil {
		return err
	}

	var taggings []domain.Tagging
	scored := 0
	// the callback runs inside a store read, it must not call the store
	err = e.store.EachTokenizedEntry(ctx, func(entryID int64, tokens domain.Tokens) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		taggings = append(taggings, e.score(tagger, entryID, tokens))
		scored++
		if total > 0 {
			j.advance(min(99, scored*100/total))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.store.ReplaceTaggingsForTag(ctx, tagID, taggings); err != nil {
		return err
	}

	e.taggersMu.Lock()
	e.taggers[tagID] = tagger
	e.taggersMu.Unlock()
	return nil
}

func (e *Engine) buildTagger(ctx context.Context, tagID int64) (*classifier.Tagger, error) {
	corpus, err := e.store.TrainingCorpus(ctx, tagID)
	if err != nil {
		return nil, err
	}

	exclude := make(map[int64]bool, len(corpus.Positive)+len(corpus.Negative))
	for id := range corpus.Positive {
		exclude[id] = true
	}
	for id := range corpus.Negative {
		exclude[id] = true
	}
	background, err := e.store.Background(ctx, e.cfg.BackgroundSize, exclude)
	if err != nil {
		return nil, err
	}

	return classifier.BuildTagger(corpus, background), nil
}

// score classifies one entry; errors count as unmatched
func (e *Engine) score(tagger *classifier.Tagger, entryID int64, tokens domain.Tokens) domain.Tagging {
	tagging := domain.Tagging{EntryID: entryID, TagID: tagger.TagID}
	s, err := e.clf.Classify(tagger, tokens)
	if err != nil {
		e.logger.Warnf("classify entry %d for tag %d: %v", entryID, tagger.TagID, err)
		return tagging
	}
	tagging.Matched = s.Matched
	tagging.Strength = s.Probability
	return tagging
}

// ClassifyEntry classifies a newly tokenized entry against every tag that
// has been classified by a job.
func (e *Engine) ClassifyEntry(ctx context.Context, entryID int64) error {
	e.taggersMu.RLock()
	tagIDs := make([]int64, 0, len(e.taggers))
	for id := range e.taggers {
		tagIDs = append(tagIDs, id)
	}
	e.taggersMu.RUnlock()
	if len(tagIDs) == 0 {
		return nil
	}
	sort.Slice(tagIDs, func(i, k int) bool { return tagIDs[i] < tagIDs[k] })

	tokens, err := e.store.Tokens(ctx, entryID)
	if err != nil {
		return fmt.Errorf("classify entry %d: %w", entryID, err)
	}
	if len(tokens) == 0 {
		return nil
	}

	for _, tagID := range tagIDs {
		if err := e.classifyEntryForTag(ctx, tagID, entryID, tokens); err != nil {
			if errors.Is(err, store.ErrEntryNotFound) {
				return nil
			}
			return fmt.Errorf("classify entry %d for tag %d: %w", entryID, tagID, err)
		}
	}
	return nil
}

func (e *Engine) classifyEntryForTag(ctx context.Context, tagID, entryID int64, tokens domain.Tokens) error {
	lock := e.tagLock(tagID)
	lock.Lock()
	defer lock.Unlock()

	// read under the tag lock so a job that just finished is honoured
	e.taggersMu.RLock()
	tagger := e.taggers[tagID]
	e.taggersMu.RUnlock()
	if tagger == nil {
		return nil
	}

	return e.store.UpsertTagging(ctx, e.score(tagger, entryID, tokens))
}
