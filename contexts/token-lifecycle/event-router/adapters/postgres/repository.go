package postgresadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	domainerrors "waypoint/contexts/token-lifecycle/event-router/domain/errors"
	"waypoint/contexts/token-lifecycle/event-router/domain/token"
	"waypoint/contexts/token-lifecycle/event-router/ports"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"
)

// Repository is the durable TokenStore. Transitions compare-and-swap on the
// state column so concurrent writers for one token serialize at the database;
// the loser observes zero affected rows and reports STALE_STATE.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) Get(ctx context.Context, tokenID string) (token.Token, bool, error) {
	var row tokenModel
	err := r.db.WithContext(ctx).
		Where("token_id = ?", strings.TrimSpace(tokenID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return token.Token{}, false, nil
		}
		return token.Token{}, false, err
	}
	item, err := row.toEntity()
	if err != nil {
		return token.Token{}, false, err
	}
	return item, true, nil
}

func (r *Repository) ListByShipment(ctx context.Context, shipmentID string) ([]token.Token, error) {
	var rows []tokenModel
	if err := r.db.WithContext(ctx).
		Where("parent_shipment_id = ?", strings.TrimSpace(shipmentID)).
		Order("created_at ASC").
		Find(&rows).
		Error; err != nil {
		return nil, err
	}

	items := make([]token.Token, 0, len(rows))
	for _, row := range rows {
		item, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *Repository) ApplyTransition(ctx context.Context, event ports.TransitionEvent) (ports.TransitionOutcome, error) {
	payload := event.Payload
	tokenID := strings.TrimSpace(payload.TokenID)
	if tokenID == "" {
		return ports.TransitionOutcome{}, domainerrors.ErrInvalidInput
	}

	now := time.Now().UTC()

	var row tokenModel
	err := r.db.WithContext(ctx).
		Where("token_id = ?", tokenID).
		First(&row).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return r.createGenesis(ctx, event, now)
	case err != nil:
		return ports.TransitionOutcome{}, err
	}

	current, err := row.toEntity()
	if err != nil {
		return ports.TransitionOutcome{}, err
	}

	if current.State != payload.PreviousState {
		return ports.TransitionOutcome{
			Applied: false,
			Reason:  domainerrors.ReasonStaleState,
			Detail:  fmt.Sprintf("expected state %s but token %s is %s", payload.PreviousState, tokenID, current.State),
			Token:   current,
		}, nil
	}
	if !token.IsLegalTransition(current.Type, payload.PreviousState, payload.NewState) {
		return ports.TransitionOutcome{
			Applied: false,
			Reason:  domainerrors.ReasonIllegalTransition,
			Detail:  fmt.Sprintf("%s may not move %s -> %s", current.Type, payload.PreviousState, payload.NewState),
			Token:   current,
		}, nil
	}
	if token.RequiresProof(current.Type, payload.NewState) && payload.ProofHash == "" && (current.Proof == nil || current.Proof.Hash == "") {
		return ports.TransitionOutcome{
			Applied: false,
			Reason:  domainerrors.ReasonMissingProof,
			Detail:  fmt.Sprintf("state %s requires a proof hash", payload.NewState),
			Token:   current,
		}, nil
	}

	next := current.Clone()
	next.State = payload.NewState
	next.UpdatedAt = now
	next.Version++
	mergeChanges(&next, payload, now)

	updates, err := tokenUpdatesFromEntity(next)
	if err != nil {
		return ports.TransitionOutcome{}, err
	}
	result := r.db.WithContext(ctx).
		Model(&tokenModel{}).
		Where("token_id = ? AND state = ?", tokenID, payload.PreviousState).
		Updates(updates)
	if result.Error != nil {
		return ports.TransitionOutcome{}, result.Error
	}
	if result.RowsAffected == 0 {
		// Lost the swap to a concurrent writer. Re-read for the detail.
		latest, _, readErr := r.Get(ctx, tokenID)
		detail := fmt.Sprintf("token %s moved away from %s concurrently", tokenID, payload.PreviousState)
		if readErr == nil {
			detail = fmt.Sprintf("expected state %s but token %s is %s", payload.PreviousState, tokenID, latest.State)
		}
		r.logger.Warn("transition lost state swap to concurrent writer",
			"event", "postgres_transition_stale",
			"module", "adapters/postgres",
			"layer", "adapter",
			"token_id", tokenID,
			"expected_state", payload.PreviousState,
			"new_state", payload.NewState,
		)
		return ports.TransitionOutcome{
			Applied: false,
			Reason:  domainerrors.ReasonStaleState,
			Detail:  detail,
			Token:   latest,
		}, nil
	}

	return ports.TransitionOutcome{Applied: true, Token: next}, nil
}

func (r *Repository) createGenesis(ctx context.Context, event ports.TransitionEvent, now time.Time) (ports.TransitionOutcome, error) {
	payload := event.Payload
	tokenID := strings.TrimSpace(payload.TokenID)

	if !token.IsGenesisTransition(payload.TokenType, payload.PreviousState, payload.NewState) {
		return ports.TransitionOutcome{
			Applied: false,
			Reason:  domainerrors.ReasonStaleState,
			Detail:  fmt.Sprintf("token %s does not exist and %s is not its genesis state", tokenID, payload.NewState),
		}, nil
	}

	created := token.Token{
		TokenID:          tokenID,
		Type:             payload.TokenType,
		ParentShipmentID: event.ParentShipmentID,
		State:            payload.NewState,
		Metadata:         map[string]any{},
		Relations:        map[string]string{},
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	mergeChanges(&created, payload, now)

	row, err := tokenModelFromEntity(created)
	if err != nil {
		return ports.TransitionOutcome{}, err
	}
	createResult := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if createResult.Error != nil {
		if isUniqueViolation(createResult.Error) {
			return r.staleAfterConcurrentCreate(ctx, tokenID)
		}
		return ports.TransitionOutcome{}, createResult.Error
	}
	if createResult.RowsAffected == 0 {
		return r.staleAfterConcurrentCreate(ctx, tokenID)
	}

	return ports.TransitionOutcome{Applied: true, Created: true, Token: created}, nil
}

func (r *Repository) staleAfterConcurrentCreate(ctx context.Context, tokenID string) (ports.TransitionOutcome, error) {
	latest, _, err := r.Get(ctx, tokenID)
	if err != nil {
		return ports.TransitionOutcome{}, err
	}
	r.logger.Warn("genesis create raced a concurrent writer",
		"event", "postgres_genesis_conflict",
		"module", "adapters/postgres",
		"layer", "adapter",
		"token_id", tokenID,
		"current_state", latest.State,
	)
	return ports.TransitionOutcome{
		Applied: false,
		Reason:  domainerrors.ReasonStaleState,
		Detail:  fmt.Sprintf("token %s was created concurrently and is now %s", tokenID, latest.State),
		Token:   latest,
	}, nil
}

func (r *Repository) RevertTransition(ctx context.Context, tokenID, fromState, toState string) error {
	tokenID = strings.TrimSpace(tokenID)
	result := r.db.WithContext(ctx).
		Model(&tokenModel{}).
		Where("token_id = ? AND state = ?", tokenID, fromState).
		Updates(map[string]any{
			"state":      toState,
			"updated_at": time.Now().UTC(),
			"version":    gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&tokenModel{}).
			Where("token_id = ?", tokenID).
			Count(&count).
			Error; err != nil {
			return err
		}
		if count == 0 {
			return domainerrors.ErrTokenNotFound
		}
		return domainerrors.ErrRevertConflict
	}
	return nil
}

func (r *Repository) MergeMetadata(ctx context.Context, tokenID string, changes map[string]any) error {
	tokenID = strings.TrimSpace(tokenID)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row tokenModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_id = ?", tokenID).
			First(&row).
			Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrors.ErrTokenNotFound
			}
			return err
		}

		item, err := row.toEntity()
		if err != nil {
			return err
		}
		for key, value := range changes {
			item.Metadata[key] = value
		}
		metadata, err := json.Marshal(item.Metadata)
		if err != nil {
			return err
		}
		return tx.Model(&tokenModel{}).
			Where("token_id = ?", tokenID).
			Updates(map[string]any{
				"metadata":   metadata,
				"updated_at": time.Now().UTC(),
			}).
			Error
	})
}

func (r *Repository) Seed(ctx context.Context, tokens ...token.Token) error {
	for _, item := range tokens {
		if strings.TrimSpace(item.TokenID) == "" {
			return domainerrors.ErrInvalidInput
		}
		seeded := item.Clone()
		if seeded.CreatedAt.IsZero() {
			seeded.CreatedAt = time.Now().UTC()
		}
		if seeded.Version == 0 {
			seeded.Version = 1
		}
		row, err := tokenModelFromEntity(seeded)
		if err != nil {
			return err
		}
		createResult := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "token_id"}},
				DoNothing: true,
			}).
			Create(&row)
		if createResult.Error != nil {
			return createResult.Error
		}
		if createResult.RowsAffected == 0 {
			return domainerrors.ErrTokenExists
		}
	}
	return nil
}

func (r *Repository) AppendOutbox(ctx context.Context, envelope ports.EventEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	row := outboxModel{
		OutboxID:     strings.TrimSpace(envelope.EventID),
		EventType:    strings.TrimSpace(envelope.EventType),
		PartitionKey: strings.TrimSpace(envelope.PartitionKey),
		Payload:      payload,
		Status:       outboxStatusPending,
		CreatedAt:    envelope.OccurredAt.UTC(),
	}
	if row.OutboxID == "" {
		return domainerrors.ErrInvalidInput
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "outbox_id"}},
			DoNothing: true,
		}).
		Create(&row).
		Error
}

func (r *Repository) ListPendingOutbox(ctx context.Context, limit int) ([]ports.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []outboxModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", outboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).
		Error; err != nil {
		return nil, err
	}

	items := make([]ports.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.OutboxMessage{
			OutboxID:     row.OutboxID,
			EventType:    row.EventType,
			PartitionKey: row.PartitionKey,
			Payload:      append([]byte(nil), row.Payload...),
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return items, nil
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("outbox_id = ?", strings.TrimSpace(outboxID)).
		Updates(map[string]any{
			"status":       outboxStatusPublished,
			"published_at": publishedAt.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domainerrors.ErrOutboxNotFound
	}
	return nil
}

func mergeChanges(item *token.Token, payload ports.TransitionPayload, now time.Time) {
	for key, value := range payload.MetadataChanges {
		item.Metadata[key] = value
	}
	for key, value := range payload.RelationChanges {
		item.Relations[key] = value
	}
	if payload.ProofHash != "" {
		item.Proof = &token.Proof{
			Hash:       payload.ProofHash,
			Source:     string(ports.SourceProofService),
			AttachedAt: now,
		}
	}
}

type tokenModel struct {
	TokenID          string     `gorm:"column:token_id;primaryKey"`
	TokenType        string     `gorm:"column:token_type"`
	ParentShipmentID string     `gorm:"column:parent_shipment_id"`
	State            string     `gorm:"column:state"`
	Metadata         []byte     `gorm:"column:metadata;type:jsonb"`
	Relations        []byte     `gorm:"column:relations;type:jsonb"`
	ProofHash        string     `gorm:"column:proof_hash"`
	ProofSource      string     `gorm:"column:proof_source"`
	ProofAttachedAt  *time.Time `gorm:"column:proof_attached_at"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
	Version          int        `gorm:"column:version"`
}

func (tokenModel) TableName() string {
	return "lifecycle_tokens"
}

func tokenModelFromEntity(item token.Token) (tokenModel, error) {
	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return tokenModel{}, err
	}
	relations, err := json.Marshal(item.Relations)
	if err != nil {
		return tokenModel{}, err
	}
	row := tokenModel{
		TokenID:          strings.TrimSpace(item.TokenID),
		TokenType:        string(item.Type),
		ParentShipmentID: strings.TrimSpace(item.ParentShipmentID),
		State:            item.State,
		Metadata:         metadata,
		Relations:        relations,
		CreatedAt:        item.CreatedAt.UTC(),
		UpdatedAt:        item.UpdatedAt.UTC(),
		Version:          item.Version,
	}
	if item.Proof != nil {
		attachedAt := item.Proof.AttachedAt.UTC()
		row.ProofHash = item.Proof.Hash
		row.ProofSource = item.Proof.Source
		row.ProofAttachedAt = &attachedAt
	}
	return row, nil
}

func tokenUpdatesFromEntity(item token.Token) (map[string]any, error) {
	row, err := tokenModelFromEntity(item)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"state":             row.State,
		"metadata":          row.Metadata,
		"relations":         row.Relations,
		"proof_hash":        row.ProofHash,
		"proof_source":      row.ProofSource,
		"proof_attached_at": row.ProofAttachedAt,
		"updated_at":        row.UpdatedAt,
		"version":           row.Version,
	}, nil
}

func (m tokenModel) toEntity() (token.Token, error) {
	item := token.Token{
		TokenID:          m.TokenID,
		Type:             token.Type(m.TokenType),
		ParentShipmentID: m.ParentShipmentID,
		State:            m.State,
		Metadata:         map[string]any{},
		Relations:        map[string]string{},
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
		Version:          m.Version,
	}
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &item.Metadata); err != nil {
			return token.Token{}, fmt.Errorf("decode token %s metadata: %w", m.TokenID, err)
		}
	}
	if len(m.Relations) > 0 {
		if err := json.Unmarshal(m.Relations, &item.Relations); err != nil {
			return token.Token{}, fmt.Errorf("decode token %s relations: %w", m.TokenID, err)
		}
	}
	if m.ProofHash != "" {
		item.Proof = &token.Proof{
			Hash:   m.ProofHash,
			Source: m.ProofSource,
		}
		if m.ProofAttachedAt != nil {
			item.Proof.AttachedAt = m.ProofAttachedAt.UTC()
		}
	}
	return item, nil
}

type outboxModel struct {
	OutboxID     string     `gorm:"column:outbox_id;primaryKey"`
	EventType    string     `gorm:"column:event_type"`
	PartitionKey string     `gorm:"column:partition_key"`
	Payload      []byte     `gorm:"column:payload"`
	Status       string     `gorm:"column:status"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	PublishedAt  *time.Time `gorm:"column:published_at"`
}

func (outboxModel) TableName() string {
	return "event_router_outbox"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
