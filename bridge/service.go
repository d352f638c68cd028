// Package bridge externalizes messages held in custody: it packs them into
// bundles, uploads each bundle to content-addressed storage, records a proof on
// the ledger, and clears the bundle's messages only once that proof is final.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshbridge/cas"
	"meshbridge/codec"
	"meshbridge/ledger"
	"meshbridge/metrics"
	"meshbridge/models"
)

const (
	// DefaultSyncInterval is the background sync period.
	DefaultSyncInterval = 60 * time.Second
	// DefaultMaxBundleBytes is the serialized bundle ceiling.
	DefaultMaxBundleBytes = 1 << 20
	// DefaultFinalityTimeout bounds the wait for one proof to become final.
	DefaultFinalityTimeout = 30 * time.Second
)

var (
	// ErrStorageUnhealthy indicates the storage health check failed and no sync ran.
	ErrStorageUnhealthy = errors.New("bridge: storage unhealthy")
	// ErrUpload indicates a bundle upload failed; its messages stay in custody.
	ErrUpload = errors.New("bridge: upload failed")
	// ErrProofSubmission indicates the proof was rejected or never became final;
	// the bundle's messages stay in custody.
	ErrProofSubmission = errors.New("bridge: proof submission failed")
	// ErrSyncInProgress indicates another sync is already running.
	ErrSyncInProgress = errors.New("bridge: sync already in progress")
	// ErrContentMismatch indicates downloaded bytes do not match the requested hash.
	ErrContentMismatch = errors.New("bridge: content hash mismatch")
)

// Custody is the set of messages awaiting externalization.
type Custody interface {
	Custody() []models.QueuedMessage
	Remove(messageIDs []string) error
}

// Config wires a Service.
type Config struct {
	Custody         Custody
	Storage         Storage
	Ledger          ledger.Ledger
	MaxBundleBytes  int
	SyncInterval    time.Duration
	FinalityTimeout time.Duration
	Region          string
	Logger          *zap.Logger
	Metrics         *metrics.Recorder

	now func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxBundleBytes <= 0 {
		out.MaxBundleBytes = DefaultMaxBundleBytes
	}
	if out.SyncInterval <= 0 {
		out.SyncInterval = DefaultSyncInterval
	}
	if out.FinalityTimeout <= 0 {
		out.FinalityTimeout = DefaultFinalityTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// BundleResult is the outcome of one bundle within a sync.
type BundleResult struct {
	BundleID    string
	MessageIDs  []string
	Size        int
	ContentHash string
	ArchivalID  string
	BundleHash  string
	Receipt     models.ProofReceipt
	Cleared     bool
	Err         error
}

// Report summarizes one sync.
type Report struct {
	StartedAt time.Time
	Duration  time.Duration
	Bundles   []BundleResult
}

// Cleared counts messages removed from custody.
func (r Report) Cleared() int {
	n := 0
	for _, b := range r.Bundles {
		if b.Cleared {
			n += len(b.MessageIDs)
		}
	}
	return n
}

// Retained counts messages left in custody after a failed bundle.
func (r Report) Retained() int {
	n := 0
	for _, b := range r.Bundles {
		if !b.Cleared {
			n += len(b.MessageIDs)
		}
	}
	return n
}

// Service runs bridge syncs on an interval or on demand.
type Service struct {
	cfg    Config
	logger *zap.Logger

	syncing atomic.Bool
	trigger chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewService validates the configuration.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if cfg.Custody == nil {
		return nil, errors.New("bridge custody is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("bridge storage is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("bridge ledger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		logger:  cfg.Logger.Named("bridge"),
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Sync runs one externalization cycle. Bundles succeed or fail independently;
// the returned error joins every bundle failure.
func (s *Service) Sync(ctx context.Context) (Report, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		return Report{}, ErrSyncInProgress
	}
	defer s.syncing.Store(false)

	report := Report{StartedAt: s.cfg.now()}
	started := time.Now()
	defer func() {
		report.Duration = time.Since(started)
		s.cfg.Metrics.ObserveSyncDuration(report.Duration.Seconds())
	}()

	if err := s.cfg.Storage.Health(ctx); err != nil {
		return report, fmt.Errorf("%w: %v", ErrStorageUnhealthy, err)
	}

	custody := s.cfg.Custody.Custody()
	if len(custody) == 0 {
		return report, nil
	}
	messages := make([]models.MeshMessage, 0, len(custody))
	for _, entry := range custody {
		messages = append(messages, entry.Message)
	}

	bundles, err := Pack(messages, s.cfg.MaxBundleBytes, s.cfg.Region, s.cfg.now())
	if err != nil {
		return report, fmt.Errorf("pack bundles: %w", err)
	}

	var errs []error
	for _, bundle := range bundles {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		result := s.syncBundle(ctx, bundle)
		report.Bundles = append(report.Bundles, result)
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("bundle %s: %w", result.BundleID, result.Err))
		}
	}

	s.logger.Info("sync finished",
		zap.Int("bundles", len(report.Bundles)),
		zap.Int("cleared", report.Cleared()),
		zap.Int("retained", report.Retained()),
	)
	return report, errors.Join(errs...)
}

func (s *Service) syncBundle(ctx context.Context, bundle models.MessageBundle) BundleResult {
	result := BundleResult{
		BundleID:   bundle.BundleID,
		MessageIDs: bundle.MessageIDs(),
	}
	logger := s.logger.With(zap.String("bundle_id", bundle.BundleID), zap.Int("messages", len(bundle.Messages)))

	fail := func(kind string, err error) BundleResult {
		result.Err = err
		s.cfg.Metrics.ObserveBundle(kind, result.Size)
		logger.Warn("bundle retained", zap.String("stage", kind), zap.Error(err))
		return result
	}

	serialized, err := codec.EncodeBundle(bundle)
	if err != nil {
		return fail("encode_failed", err)
	}
	result.Size = len(serialized)
	result.BundleHash = BundleHash(serialized)

	uploaded, err := s.cfg.Storage.Upload(ctx, serialized, cas.UploadMetadata{
		Type:         cas.BundleContentType,
		Region:       bundle.Region,
		MessageCount: len(bundle.Messages),
		Timestamp:    bundle.CreatedAt,
	})
	if err != nil {
		return fail("upload_failed", fmt.Errorf("%w: %v", ErrUpload, err))
	}
	expected, err := cas.ContentHash(serialized)
	if err != nil {
		return fail("upload_failed", fmt.Errorf("%w: %v", ErrUpload, err))
	}
	if uploaded.ContentHash != expected {
		return fail("upload_failed", fmt.Errorf("%w: storage returned hash %s, expected %s", ErrUpload, uploaded.ContentHash, expected))
	}
	result.ContentHash = uploaded.ContentHash
	result.ArchivalID = uploaded.ArchivalID

	receipt, err := s.cfg.Ledger.SubmitProof(ctx, models.ProofRecord{
		ContentHash:  uploaded.ContentHash,
		MessageCount: len(bundle.Messages),
		BundleHash:   result.BundleHash,
		Timestamp:    s.cfg.now().UnixMilli(),
	})
	if err != nil {
		return fail("proof_failed", fmt.Errorf("%w: %v", ErrProofSubmission, err))
	}
	result.Receipt = receipt

	finalityCtx, cancel := context.WithTimeout(ctx, s.cfg.FinalityTimeout)
	err = s.cfg.Ledger.AwaitFinality(finalityCtx, receipt)
	cancel()
	if err != nil {
		return fail("proof_failed", fmt.Errorf("%w: finality not confirmed: %v", ErrProofSubmission, err))
	}

	if err := s.cfg.Custody.Remove(result.MessageIDs); err != nil {
		return fail("clear_failed", fmt.Errorf("clear custody: %w", err))
	}
	result.Cleared = true
	s.cfg.Metrics.ObserveBundle("finalized", result.Size)
	logger.Info("bundle externalized",
		zap.String("content_hash", result.ContentHash),
		zap.String("proof_id", receipt.ProofID),
		zap.Int("bytes", result.Size),
	)
	return result
}

// Download retrieves and decodes a bundle by content hash.
func (s *Service) Download(ctx context.Context, contentHash string) (models.MessageBundle, error) {
	data, err := s.cfg.Storage.Retrieve(ctx, contentHash)
	if err != nil {
		return models.MessageBundle{}, fmt.Errorf("download %s: %w", contentHash, err)
	}
	actual, err := cas.ContentHash(data)
	if err != nil {
		return models.MessageBundle{}, err
	}
	if actual != contentHash {
		return models.MessageBundle{}, fmt.Errorf("download %s: %w", contentHash, ErrContentMismatch)
	}
	bundle, err := codec.DecodeBundle(data)
	if err != nil {
		return models.MessageBundle{}, fmt.Errorf("download %s: %w", contentHash, err)
	}
	return bundle, nil
}

// Trigger requests a sync without waiting for the interval. Requests made while a
// sync is pending coalesce.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start launches the interval loop.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop cancels the loop and any in-flight sync. It is idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCycle()
		case <-s.trigger:
			s.runCycle()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) runCycle() {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("sync panicked", zap.Any("panic", recovered))
		}
	}()

	_, err := s.Sync(s.ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrStorageUnhealthy):
		s.logger.Info("storage unavailable, skipping sync", zap.Error(err))
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Warn("sync completed with failures", zap.Error(err))
	}
}
