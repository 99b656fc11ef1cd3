package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/cardex/internal/domain"
	"github.com/kailas-cloud/cardex/internal/domain/batch"
	"github.com/kailas-cloud/cardex/internal/domain/search/filter"
	"github.com/kailas-cloud/cardex/internal/logger"
	"github.com/kailas-cloud/cardex/internal/metrics"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxBatchSize    = 100
	DefaultRollbackTimeout = 30 * time.Second
)

// Saga stages that can trigger a rollback.
const (
	stageRecord = "record"
	stageEmbed  = "embed"
	stageUpsert = "upsert"
	stageUpload = "upload"
)

// Config holds saga settings.
type Config struct {
	TextIndex       string
	VisualIndex     string
	MaxBatchSize    int
	RollbackTimeout time.Duration
}

// Service runs the ingestion saga: dedup, upload, record, embed, dual upsert,
// with compensating deletes when a later step fails.
type Service struct {
	index   VectorIndex
	objects ObjectStore
	embed   Embedder
	cards   CardStore
	serials SerialReserver
	cfg     Config
	logger  *zap.Logger
	newID   func() string
}

// New creates an ingestion service.
func New(index VectorIndex, objects ObjectStore, embed Embedder, cfg Config, l *zap.Logger) *Service {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = DefaultRollbackTimeout
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Service{
		index:   index,
		objects: objects,
		embed:   embed,
		cfg:     cfg,
		logger:  l,
		newID:   uuid.NewString,
	}
}

// WithCardStore enables the card record step.
func (s *Service) WithCardStore(c CardStore) *Service {
	s.cards = c
	return s
}

// WithSerialReserver enables serial claims after the index duplicate check.
func (s *Service) WithSerialReserver(r SerialReserver) *Service {
	s.serials = r
	return s
}

// pending tracks one card through the saga.
type pending struct {
	id       string
	rec      domain.CardRecord
	claimed  bool
	key      string
	card     domain.IndexedCard
	recorded bool
	err      error
}

// SaveCards ingests a batch. Per-card failures (duplicates, failed checks, failed uploads
// or records) are reported in Outcome.Errors and do not affect siblings. Embedding and
// upsert failures abort the batch after every side effect has been compensated.
func (s *Service) SaveCards(ctx context.Context, records []domain.CardRecord) (batch.Outcome, error) {
	if len(records) == 0 {
		return batch.Outcome{}, nil
	}
	if len(records) > s.cfg.MaxBatchSize {
		return batch.Outcome{}, fmt.Errorf("%d cards exceed the limit of %d: %w: %w",
			len(records), s.cfg.MaxBatchSize, domain.ErrBatchTooLarge, domain.ErrInvalidRecord)
	}

	log := logger.FromContext(ctx, s.logger)

	items := make([]*pending, len(records))
	for i, rec := range records {
		items[i] = &pending{id: s.newID(), rec: rec}
	}

	log.Info("Saving cards", zap.Int("count", len(items)))

	alive := s.validate(items)
	alive = s.filterDuplicates(ctx, log, alive)
	alive = s.uploadImages(ctx, log, alive)
	alive = s.createRecords(ctx, log, alive)

	if len(alive) > 0 {
		if err := s.indexCards(ctx, log, alive); err != nil {
			s.reportRejections(items)
			return batch.Outcome{}, err
		}
	}

	out := batch.Outcome{Cards: make([]domain.IndexedCard, 0, len(alive))}
	for _, p := range alive {
		out.Cards = append(out.Cards, p.card)
	}
	out.Errors = s.reportRejections(items)
	metrics.CardsSavedTotal.Add(float64(len(out.Cards)))

	log.Info("Cards saved",
		zap.Int("saved", len(out.Cards)),
		zap.Int("rejected", len(out.Errors)),
	)
	return out, nil
}

// SaveCard ingests one card. Unlike SaveCards, a per-card rejection is returned as the error.
func (s *Service) SaveCard(ctx context.Context, rec domain.CardRecord) (domain.IndexedCard, error) {
	out, err := s.SaveCards(ctx, []domain.CardRecord{rec})
	if err != nil {
		return domain.IndexedCard{}, err
	}
	if len(out.Errors) > 0 {
		return domain.IndexedCard{}, out.Errors[0].Err()
	}
	if len(out.Cards) != 1 {
		return domain.IndexedCard{}, fmt.Errorf("card was not saved: %w", domain.ErrIndexUpsert)
	}
	return out.Cards[0], nil
}

func (s *Service) validate(items []*pending) []*pending {
	alive := make([]*pending, 0, len(items))
	for _, p := range items {
		if err := p.rec.Validate(); err != nil {
			p.err = err
			continue
		}
		alive = append(alive, p)
	}
	return alive
}

// filterDuplicates runs one card at a time so a claim by an earlier card is visible to later ones.
func (s *Service) filterDuplicates(ctx context.Context, log *zap.Logger, items []*pending) []*pending {
	alive := make([]*pending, 0, len(items))
	seen := make(map[string]bool, len(items))

	for _, p := range items {
		if !p.rec.HasSerial() {
			alive = append(alive, p)
			continue
		}
		serial := p.rec.SerialNumber

		if seen[serial] {
			log.Warn("Duplicate serial number in batch", zap.String("serial_number", serial))
			p.err = domain.NewDuplicateSerial(serial)
			continue
		}

		dup, err := s.isIndexed(ctx, serial)
		if err != nil {
			log.Error("Failed to check for duplicates", zap.String("serial_number", serial), zap.Error(err))
			p.err = fmt.Errorf("%w: %w", domain.ErrDuplicateCheck, err)
			continue
		}
		if dup {
			log.Warn("Duplicate serial number found", zap.String("serial_number", serial))
			p.err = domain.NewDuplicateSerial(serial)
			continue
		}

		if s.serials != nil {
			ok, err := s.serials.Claim(ctx, serial, p.id)
			if err != nil {
				log.Error("Failed to claim serial number", zap.String("serial_number", serial), zap.Error(err))
				p.err = fmt.Errorf("%w: %w", domain.ErrDuplicateCheck, err)
				continue
			}
			if !ok {
				log.Warn("Serial number claimed by another request", zap.String("serial_number", serial))
				p.err = domain.NewDuplicateSerial(serial)
				continue
			}
			p.claimed = true
		}

		seen[serial] = true
		alive = append(alive, p)
	}
	return alive
}

func (s *Service) isIndexed(ctx context.Context, serial string) (bool, error) {
	f, err := filter.Eq(domain.FieldSerialNumber, serial)
	if err != nil {
		return false, fmt.Errorf("build serial filter: %w", err)
	}
	matches, err := s.index.Query(ctx, s.cfg.TextIndex, nil, 1, f)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", s.cfg.TextIndex, err)
	}
	return len(matches) > 0, nil
}

// uploadImages uploads concurrently; each goroutine writes only its own item.
func (s *Service) uploadImages(ctx context.Context, log *zap.Logger, items []*pending) []*pending {
	var wg sync.WaitGroup
	for _, p := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := s.upload(ctx, p.rec.Base64Image)
			if err != nil {
				log.Error("Failed to upload image for card", zap.String("card_id", p.id), zap.Error(err))
				p.err = fmt.Errorf("%w: %w", domain.ErrImageUpload, err)
				return
			}
			p.key = key
			p.card = domain.NewIndexedCard(p.id, p.rec, s.objects.URL(key))
		}()
	}
	wg.Wait()

	alive := make([]*pending, 0, len(items))
	var failed []*pending
	for _, p := range items {
		if p.err != nil {
			failed = append(failed, p)
			continue
		}
		alive = append(alive, p)
	}
	if len(failed) > 0 {
		s.rollback(ctx, stageUpload, failed, false)
	}
	return alive
}

func (s *Service) upload(ctx context.Context, dataURL string) (string, error) {
	img, err := domain.ParseDataURL(dataURL)
	if err != nil {
		return "", err
	}
	key, err := s.objects.Put(ctx, img.Data, img.MimeType)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", img.MimeType, err)
	}
	return key, nil
}

func (s *Service) createRecords(ctx context.Context, log *zap.Logger, items []*pending) []*pending {
	if s.cards == nil {
		return items
	}

	alive := make([]*pending, 0, len(items))
	var failed []*pending
	for _, p := range items {
		if err := s.cards.Create(ctx, p.card); err != nil {
			log.Error("Failed to create card record", zap.String("card_id", p.id), zap.Error(err))
			p.err = fmt.Errorf("%w: %w", domain.ErrCardRecord, err)
			failed = append(failed, p)
			continue
		}
		p.recorded = true
		alive = append(alive, p)
	}
	if len(failed) > 0 {
		s.rollback(ctx, stageRecord, failed, false)
	}
	return alive
}

// indexCards embeds and upserts the surviving cards. Any failure rolls back all of them.
func (s *Service) indexCards(ctx context.Context, log *zap.Logger, items []*pending) error {
	texts := make([]string, len(items))
	refs := make([]string, len(items))
	for i, p := range items {
		texts[i] = p.card.DescriptiveText()
		refs[i] = p.rec.Base64Image
	}

	var textVecs, visualVecs [][]float32
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.embed.EmbedText(gctx, texts)
		if err != nil {
			return fmt.Errorf("text embeddings: %w", err)
		}
		textVecs = v
		return nil
	})
	g.Go(func() error {
		v, err := s.embed.EmbedImage(gctx, refs)
		if err != nil {
			return fmt.Errorf("image embeddings: %w", err)
		}
		visualVecs = v
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error("Failed to generate embeddings, rolling back", zap.Int("cards", len(items)), zap.Error(err))
		s.rollback(ctx, stageEmbed, items, false)
		if !errors.Is(err, domain.ErrEmbeddingProviderError) {
			err = fmt.Errorf("%w: %w", domain.ErrEmbeddingProviderError, err)
		}
		return err
	}
	if len(textVecs) != len(items) || len(visualVecs) != len(items) {
		s.rollback(ctx, stageEmbed, items, false)
		return fmt.Errorf("got %d text and %d image vectors for %d cards: %w: %w",
			len(textVecs), len(visualVecs), len(items), domain.ErrEmbeddingMismatch, domain.ErrEmbeddingProviderError)
	}

	textEntries := make([]domain.IndexEntry, len(items))
	visualEntries := make([]domain.IndexEntry, len(items))
	for i, p := range items {
		textEntries[i] = domain.IndexEntry{
			ID:       p.id,
			Vector:   textVecs[i],
			Metadata: p.card.Metadata(domain.EntryTypeCard),
		}
		visualEntries[i] = domain.IndexEntry{
			ID:       p.id,
			Vector:   visualVecs[i],
			Metadata: p.card.Metadata(domain.EntryTypeVisual),
		}
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.index.Upsert(gctx, s.cfg.TextIndex, textEntries); err != nil {
			return fmt.Errorf("upsert %s: %w", s.cfg.TextIndex, err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.index.Upsert(gctx, s.cfg.VisualIndex, visualEntries); err != nil {
			return fmt.Errorf("upsert %s: %w", s.cfg.VisualIndex, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error("Failed to upsert cards, rolling back", zap.Int("cards", len(items)), zap.Error(err))
		s.rollback(ctx, stageUpsert, items, true)
		return fmt.Errorf("%w: %w", domain.ErrIndexUpsert, err)
	}
	return nil
}

// rollback undoes the side effects of items by exact key. It runs on a context detached from
// the caller so a cancelled request still compensates, and it never returns an error.
func (s *Service) rollback(ctx context.Context, stage string, items []*pending, indexed bool) {
	log := logger.FromContext(ctx, s.logger)
	metrics.SagaRollbacksTotal.WithLabelValues(stage).Inc()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RollbackTimeout)
	defer cancel()

	var ids []string
	serials := make(map[string]string)
	var wg sync.WaitGroup
	run := func(target string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(rctx); err != nil {
				metrics.RollbackFailuresTotal.WithLabelValues(target).Inc()
				log.Warn("Rollback step failed", zap.String("stage", stage), zap.String("target", target), zap.Error(err))
			}
		}()
	}

	for _, p := range items {
		ids = append(ids, p.id)
		if p.claimed {
			serials[p.rec.SerialNumber] = p.id
		}
		if p.key != "" {
			key := p.key
			run("image", func(c context.Context) error { return s.objects.Delete(c, key) })
		}
		if p.recorded && s.cards != nil {
			id := p.id
			run("card", func(c context.Context) error { return s.cards.Delete(c, id) })
		}
	}
	if indexed {
		run("text_index", func(c context.Context) error { return s.index.Delete(c, s.cfg.TextIndex, ids) })
		run("visual_index", func(c context.Context) error { return s.index.Delete(c, s.cfg.VisualIndex, ids) })
	}
	if len(serials) > 0 && s.serials != nil {
		run("serial", func(c context.Context) error { return s.serials.Release(c, serials) })
	}
	wg.Wait()

	log.Info("Rolled back cards", zap.String("stage", stage), zap.Int("cards", len(items)))
}

// reportRejections collects per-card errors in input order and counts them.
func (s *Service) reportRejections(items []*pending) []batch.ItemError {
	var errs []batch.ItemError
	for _, p := range items {
		if p.err == nil {
			continue
		}
		ie := batch.NewItemError(p.id, p.err)
		metrics.CardsRejectedTotal.WithLabelValues(ie.Reason()).Inc()
		errs = append(errs, ie)
	}
	return errs
}
