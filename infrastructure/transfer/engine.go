package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"
	"crosspost/infrastructure/metrics"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize   int64 = 8 << 20
	DefaultConcurrency       = 4
	DefaultPartRetries       = 5
	DefaultLiveness          = time.Hour
)

// Options tune the engine. Zero values fall back to the defaults.
type Options struct {
	ChunkSize   int64
	Concurrency int
	PartRetries int
	Liveness    time.Duration
	// NewBackOff builds the per-part retry schedule.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
}

// UploadRequest describes one source to move into a store under ObjectKey.
type UploadRequest struct {
	ObjectKey   string
	Source      io.ReaderAt
	TotalSize   int64
	ChunkSize   int64
	ContentType string
	Concurrency int
	// MergeTail folds a trailing partial chunk into the previous part, for
	// backends that size the last part as chunk + remainder.
	MergeTail bool
}

// Engine moves large sources into object stores as resumable chunked
// sessions with bounded concurrency.
type Engine struct {
	store    repository.IObjectStore
	sessions repository.IUploadSession
	opts     Options
}

func NewEngine(store repository.IObjectStore, sessions repository.IUploadSession, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PartRetries <= 0 {
		opts.PartRetries = DefaultPartRetries
	}
	if opts.Liveness <= 0 {
		opts.Liveness = DefaultLiveness
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: store, sessions: sessions, opts: opts}
}

// Store returns the internal object store.
func (e *Engine) Store() repository.IObjectStore { return e.store }

// Upload moves the source into the internal object store.
func (e *Engine) Upload(ctx context.Context, req UploadRequest) (*model.ObjectRef, error) {
	return e.UploadTo(ctx, e.store, req)
}

// UploadTo moves the source into the given store. An open session for the
// same object key is resumed from its first unacknowledged part.
func (e *Engine) UploadTo(ctx context.Context, store repository.IObjectStore, req UploadRequest) (*model.ObjectRef, error) {
	if req.ObjectKey == "" {
		return nil, apperror.New(apperror.KindInternal, "missing_key", "object key is required")
	}
	if req.TotalSize < 0 {
		return nil, apperror.New(apperror.KindInternal, "bad_size", "total size must not be negative")
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = e.opts.ChunkSize
	}
	width := req.Concurrency
	if width <= 0 {
		width = e.opts.Concurrency
	}

	plan := planParts(req.TotalSize, req.ChunkSize, req.MergeTail)
	log := logger.GetLogger().WithFields(map[string]interface{}{
		"backend":    store.Name(),
		"object_key": req.ObjectKey,
		"total_size": req.TotalSize,
		"parts":      len(plan),
	})

	if len(plan) <= 1 {
		return e.putWhole(ctx, store, req)
	}

	session, err := e.openSession(ctx, store, req)
	if err != nil {
		return nil, err
	}
	log = log.WithField("session_id", session.ID)

	var (
		mu    sync.Mutex
		parts = append([]model.PartDescriptor(nil), session.Parts...)
	)
	pending := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(width)
	for i, span := range plan {
		number := i + 1
		if session.Committed(number) {
			continue
		}
		pending++
		span := span
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			part, err := e.uploadPart(gctx, store, session, req.Source, number, span)
			if err != nil {
				return err
			}
			if err := e.sessions.AddPart(gctx, session.ID, *part); err != nil {
				return fmt.Errorf("persist part %d: %w", number, err)
			}
			mu.Lock()
			parts = append(parts, *part)
			mu.Unlock()
			return nil
		})
	}
	if pending < len(plan) {
		log.WithField("resumed_parts", len(plan)-pending).Info("resuming upload session")
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, apperror.FromContext(ctx)
		}
		log.WithField("error", err).Warn("upload session left open for resume")
		if terminalKind(err) {
			return nil, err
		}
		return nil, apperror.Wrap(err, apperror.KindTransferIncomplete, "part_failed")
	}

	sorted := model.SortedParts(parts)
	ref, err := store.Complete(ctx, session.SessionToken, sorted)
	if err != nil {
		log.WithField("error", err).Warn("complete failed, retrying once with committed parts")
		ref, err = store.Complete(ctx, session.SessionToken, sorted)
	}
	if err != nil {
		_ = store.Abort(ctx, session.SessionToken)
		_ = e.sessions.SetStatus(ctx, session.ID, model.UploadSessionAborted)
		return nil, apperror.Wrap(err, apperror.KindTransferIncomplete, "complete_failed")
	}
	if err := e.sessions.SetStatus(ctx, session.ID, model.UploadSessionCompleted); err != nil {
		log.WithField("error", err).Warn("failed to mark upload session completed")
	}
	if ref.ContentType == "" {
		ref.ContentType = req.ContentType
	}
	log.WithField("size", ref.Size).Info("upload session completed")
	return ref, nil
}

func (e *Engine) putWhole(ctx context.Context, store repository.IObjectStore, req UploadRequest) (*model.ObjectRef, error) {
	var ref *model.ObjectRef
	op := func() error {
		body, err := openSpan(ctx, req.Source, 0, req.TotalSize)
		if err != nil {
			return classify(err)
		}
		defer body.Close()
		ref, err = store.PutObject(ctx, req.ObjectKey, req.ContentType, body, req.TotalSize)
		return classify(err)
	}
	if err := backoff.Retry(op, e.partBackOff(ctx)); err != nil {
		metrics.RecordPart(store.Name(), "failed", req.TotalSize)
		if ctx.Err() != nil {
			return nil, apperror.FromContext(ctx)
		}
		if err = unwrapPermanent(err); terminalKind(err) {
			return nil, err
		}
		return nil, apperror.Wrap(err, apperror.KindTransferIncomplete, "put_failed")
	}
	metrics.RecordPart(store.Name(), "success", req.TotalSize)
	if ref.ContentType == "" {
		ref.ContentType = req.ContentType
	}
	return ref, nil
}

func (e *Engine) openSession(ctx context.Context, store repository.IObjectStore, req UploadRequest) (*model.AssetUploadSession, error) {
	existing, err := e.sessions.FindOpen(ctx, store.Name(), req.ObjectKey)
	switch {
	case err == nil:
		if existing.TotalSize == req.TotalSize && existing.ChunkSize == req.ChunkSize {
			return existing, nil
		}
		// The source changed shape; the old parts cannot be reused.
		_ = store.Abort(ctx, existing.SessionToken)
		_ = e.sessions.SetStatus(ctx, existing.ID, model.UploadSessionAborted)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("find upload session: %w", err)
	}

	token, err := store.Initiate(ctx, req.ObjectKey, req.ContentType, req.TotalSize)
	if err != nil {
		return nil, err
	}
	now := e.opts.Now()
	session := &model.AssetUploadSession{
		ID:           uuid.NewString(),
		Backend:      store.Name(),
		ObjectKey:    req.ObjectKey,
		SessionToken: token,
		TotalSize:    req.TotalSize,
		ChunkSize:    req.ChunkSize,
		ContentType:  req.ContentType,
		Status:       model.UploadSessionOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.sessions.Create(ctx, session); err != nil {
		_ = store.Abort(ctx, token)
		return nil, fmt.Errorf("persist upload session: %w", err)
	}
	return session, nil
}

func (e *Engine) uploadPart(ctx context.Context, store repository.IObjectStore, session *model.AssetUploadSession, src io.ReaderAt, number int, span partSpan) (*model.PartDescriptor, error) {
	var tag string
	op := func() error {
		body, err := openSpan(ctx, src, span.offset, span.size)
		if err == nil {
			tag, err = store.UploadPart(ctx, session.SessionToken, number, body, span.size)
			_ = body.Close()
		}
		if err != nil {
			metrics.RecordPart(store.Name(), "retry", 0)
		}
		return classify(err)
	}
	if err := backoff.Retry(op, e.partBackOff(ctx)); err != nil {
		metrics.RecordPart(store.Name(), "failed", 0)
		return nil, fmt.Errorf("part %d: %w", number, unwrapPermanent(err))
	}
	metrics.RecordPart(store.Name(), "success", span.size)
	return &model.PartDescriptor{Number: number, Tag: tag, Size: span.size}, nil
}

// openSpan returns a reader over [off, off+n) of src. Sources that can
// stream a span in one request are asked to; anything else is read through
// ReadAt.
func openSpan(ctx context.Context, src io.ReaderAt, off, n int64) (io.ReadCloser, error) {
	if ro, ok := src.(RangeOpener); ok && n > 0 {
		return ro.OpenRange(ctx, off, n)
	}
	return io.NopCloser(io.NewSectionReader(src, off, n)), nil
}

func (e *Engine) partBackOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(e.opts.NewBackOff(), uint64(e.opts.PartRetries-1)), ctx)
}

// ReapAbandoned aborts open sessions on the internal store that never
// committed a part within the liveness window. It returns how many were
// aborted.
func (e *Engine) ReapAbandoned(ctx context.Context, now time.Time) (int, error) {
	stale, err := e.sessions.ListStale(ctx, now.Add(-e.opts.Liveness))
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	reaped := 0
	for _, s := range stale {
		if len(s.Parts) > 0 {
			continue
		}
		if s.Backend == e.store.Name() {
			if err := e.store.Abort(ctx, s.SessionToken); err != nil {
				logger.GetLogger().WithFields(map[string]interface{}{"session_id": s.ID, "error": err}).Warn("abort abandoned session failed")
				continue
			}
		}
		if err := e.sessions.SetStatus(ctx, s.ID, model.UploadSessionAborted); err != nil {
			return reaped, err
		}
		reaped++
	}
	if reaped > 0 {
		logger.GetLogger().WithField("reaped", reaped).Info("aborted abandoned upload sessions")
	}
	return reaped, nil
}

// classify marks non-retryable failures permanent so backoff stops early.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch apperror.KindOf(err) {
	case apperror.KindTransientNetwork, apperror.KindRateLimited, apperror.KindTransferIncomplete:
		return err
	case apperror.KindInternal:
		var ae *apperror.Error
		if errors.As(err, &ae) {
			return backoff.Permanent(err)
		}
		// Unclassified I/O errors from the source or the wire are retried.
		return err
	}
	return backoff.Permanent(err)
}

// terminalKind reports failures that must surface with their own kind
// instead of transfer_incomplete.
func terminalKind(err error) bool {
	var ae *apperror.Error
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Kind {
	case apperror.KindInternal, apperror.KindAuthExpired, apperror.KindContentRejected:
		return true
	}
	return false
}

func unwrapPermanent(err error) error {
	var p *backoff.PermanentError
	if errors.As(err, &p) {
		return p.Err
	}
	return err
}

type partSpan struct {
	offset int64
	size   int64
}

func planParts(total, chunk int64, mergeTail bool) []partSpan {
	n := model.PartCount(total, chunk)
	if mergeTail && n > 1 && total%chunk != 0 {
		n--
	}
	spans := make([]partSpan, 0, n)
	for i := 1; i <= n; i++ {
		off, size := model.PartRange(i, total, chunk)
		if i == n {
			size = total - off
		}
		spans = append(spans, partSpan{offset: off, size: size})
	}
	return spans
}

// PartCount returns how many parts UploadTo sends for a source of the given
// size, so destinations that announce the chunk count up front agree with
// the engine.
func PartCount(total, chunk int64, mergeTail bool) int {
	return len(planParts(total, chunk, mergeTail))
}
