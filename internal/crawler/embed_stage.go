package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/embedding"
	"github.com/JakeFAU/ayudas-pipeline/internal/lastupdate"
	"github.com/JakeFAU/ayudas-pipeline/internal/metrics"
)

// Embed error codes.
const (
	EmbedErrNoTextHash  = "no_text_hash"
	EmbedErrEmptyText   = "empty_text"
	EmbedErrNoEmbedding = "no_embedding"
)

// EmbedDeps are the collaborators of the embed stage.
type EmbedDeps struct {
	Embedder  Embedder
	Vectors   VectorStore
	Resources ResourceStore
	Audits    AuditStore
	// Estimate overrides embedding.ApproxTokens.
	Estimate embedding.TokenEstimator
	Clock    Clock
	Logger   *zap.Logger
}

// EmbedStage turns a resource into a vector-store document.
type EmbedStage struct {
	cfg    EmbedConfig
	deps   EmbedDeps
	dryRun bool
	logger *zap.Logger
}

// NewEmbedStage wires an EmbedStage. When dryRun is set the provider is still
// called but nothing is written. Zero MaxAttempts and ShrinkFactor take their
// defaults; every other setting must be valid, including at least one vector
// write, so that a stored embed marker always has a document behind it.
func NewEmbedStage(cfg EmbedConfig, deps EmbedDeps, dryRun bool) (*EmbedStage, error) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ShrinkFactor == 0 {
		cfg.ShrinkFactor = 0.7
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("embed stage: %w", err)
	}
	if deps.Embedder == nil || deps.Vectors == nil || deps.Resources == nil {
		return nil, errors.New("embed stage: embedder, vector store and resource store are required")
	}
	if deps.Estimate == nil {
		deps.Estimate = embedding.ApproxTokens
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &EmbedStage{cfg: cfg, deps: deps, dryRun: dryRun, logger: deps.Logger.Named("embed")}, nil
}

// EmbeddingBlocks lists the labeled blocks of the embedding document in
// priority order.
func EmbeddingBlocks(res Resource) []embedding.Block {
	return []embedding.Block{
		{Label: "Nombre", Text: res.Name},
		{Label: "Estado del trámite", Text: res.Status},
		{Label: "URL", Text: res.URL},
		{Label: "Descripción", Text: res.Description},
		{Label: "Dirigido a", Text: res.Eligibility},
		{Label: "Documentación", Text: res.Documentation},
		{Label: "Normativa", Text: res.Regulation},
		{Label: "Resultados", Text: res.Outcomes},
		{Label: "Otros", Text: res.Other},
		{Label: "Última actualización", Text: lastupdate.StripLabel(res.PageLastUpdatedText)},
	}
}

// EmbedOne embeds res unless the vector store already reflects its text hash.
func (s *EmbedStage) EmbedOne(ctx context.Context, res Resource) EmbedResult {
	started := time.Now()
	logger := s.logger.With(zap.Int64("resource_id", res.ID))
	result := EmbedResult{ResourceID: res.ID, Budget: s.cfg.TokenBudget}

	if res.TextHash == "" {
		result.Error = EmbedErrNoTextHash
		logger.Info("embed skipped", zap.String("reason", EmbedErrNoTextHash))
		s.observe("error", started)
		return result
	}
	if res.LastEmbeddedTextHash == res.TextHash {
		result.OK = true
		result.Skipped = true
		logger.Debug("embed skipped", zap.String("reason", "text_hash_already_embedded"))
		s.observe("skipped", started)
		return result
	}

	vector, doc, attempts, err := s.embedWithShrink(ctx, res)
	result.Attempts = attempts
	result.Clipped = doc.Clipped
	result.Budget = doc.Budget
	meta := EmbedMeta{
		Clipped:     doc.Clipped,
		TokenBudget: doc.Budget,
		TokensUsed:  doc.TokensUsed,
		Attempts:    attempts,
	}
	if err != nil {
		return s.fail(ctx, logger, res, result, meta, err.Error(), started)
	}
	result.Dim = len(vector)

	rec := VectorRecord{
		Resource:  res,
		Embedding: vector,
		Metadata: VectorMetadata{
			Version:        metaVersion,
			ContentVersion: res.ContentVersion,
			PageUpdatedAt:  res.PageLastUpdatedAt,
			TextHash:       res.TextHash,
			Clipped:        doc.Clipped,
			TokenBudget:    doc.Budget,
			Topic:          res.Topic,
			Service:        res.Service,
		},
	}
	if !s.dryRun {
		if s.cfg.KeepHistory {
			key, err := s.deps.Vectors.WriteHistory(ctx, rec)
			if err != nil {
				return s.fail(ctx, logger, res, result, meta, "vector history: "+err.Error(), started)
			}
			meta.WroteHistory = true
			result.StoreKey = key
		}
		if s.cfg.WriteCurrentPointer {
			key, err := s.deps.Vectors.Upsert(ctx, rec)
			if err != nil {
				return s.fail(ctx, logger, res, result, meta, "vector upsert: "+err.Error(), started)
			}
			meta.WrotePointer = true
			result.StoreKey = key
		}
		now := s.deps.Clock.Now()
		err := s.deps.Resources.ApplyEmbed(ctx, res.ID, EmbedPatch{OK: true, EmbeddedAt: &now, TextHash: res.TextHash})
		if err != nil {
			return s.fail(ctx, logger, res, result, meta, "persist: "+err.Error(), started)
		}
	}

	result.OK = true
	s.audit(ctx, logger, res, result, meta, started)
	s.observe("embedded", started)
	logger.Debug("embedded",
		zap.Int("dim", result.Dim),
		zap.Bool("clipped", result.Clipped),
		zap.Int("attempts", attempts),
		zap.String("store_key", result.StoreKey))
	return result
}

// embedWithShrink builds the document and calls the provider, shrinking the
// budget whenever the provider reports the input as too long.
func (s *EmbedStage) embedWithShrink(ctx context.Context, res Resource) ([]float32, embedding.Document, int, error) {
	blocks := EmbeddingBlocks(res)
	budget := s.cfg.TokenBudget
	var doc embedding.Document
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		doc = embedding.BuildDocument(blocks, budget, s.deps.Estimate)
		if doc.Text == "" {
			return nil, doc, attempt - 1, errors.New(EmbedErrEmptyText)
		}
		vector, err := s.deps.Embedder.Embed(ctx, doc.Text)
		switch {
		case err == nil && len(vector) == 0:
			metrics.ObserveEmbeddingRequest("empty")
			return nil, doc, attempt, errors.New(EmbedErrNoEmbedding)
		case err == nil:
			metrics.ObserveEmbeddingRequest("ok")
			return vector, doc, attempt, nil
		case errors.Is(err, embedding.ErrInputTooLong):
			metrics.ObserveEmbeddingRequest("too_long")
			next := int(float64(budget) * s.cfg.ShrinkFactor)
			s.logger.Info("embedding input too long; shrinking budget",
				zap.Int64("resource_id", res.ID),
				zap.Int("budget", budget),
				zap.Int("next_budget", next))
			budget = max(1, next)
		default:
			metrics.ObserveEmbeddingRequest("error")
			return nil, doc, attempt, fmt.Errorf("embed: %w", err)
		}
	}
	return nil, doc, s.cfg.MaxAttempts, fmt.Errorf("embed: %w after %d attempts", embedding.ErrInputTooLong, s.cfg.MaxAttempts)
}

func (s *EmbedStage) fail(ctx context.Context, logger *zap.Logger, res Resource, result EmbedResult, meta EmbedMeta, msg string, started time.Time) EmbedResult {
	result.OK = false
	result.Error = msg
	logger.Warn("embed failed", zap.String("error", msg))
	if !s.dryRun {
		if err := s.deps.Resources.ApplyEmbed(ctx, res.ID, EmbedPatch{OK: false, Error: msg}); err != nil {
			logger.Error("persist embed status failed", zap.Error(err))
		}
	}
	s.audit(ctx, logger, res, result, meta, started)
	s.observe("error", started)
	return result
}

func (s *EmbedStage) audit(ctx context.Context, logger *zap.Logger, res Resource, result EmbedResult, meta EmbedMeta, started time.Time) {
	if s.dryRun || !s.cfg.AuditEnabled || s.deps.Audits == nil {
		return
	}
	meta.Version = metaVersion
	meta.Skipped = result.Skipped
	err := s.deps.Audits.RecordEmbed(ctx, EmbedAudit{
		ResourceID:     res.ID,
		At:             s.deps.Clock.Now(),
		OK:             result.OK,
		Provider:       s.deps.Embedder.Provider(),
		Model:          s.deps.Embedder.Model(),
		Dim:            result.Dim,
		TextHash:       res.TextHash,
		ContentVersion: res.ContentVersion,
		DurationMS:     time.Since(started).Milliseconds(),
		StoreKey:       result.StoreKey,
		Meta:           meta,
		Error:          result.Error,
	})
	if err != nil {
		logger.Error("embed audit failed", zap.Error(err))
	}
}

func (s *EmbedStage) observe(outcome string, started time.Time) {
	metrics.ObserveStage(metrics.StageEmbed, outcome, time.Since(started))
}
