package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domainerrors "waypoint/contexts/token-lifecycle/event-router/domain/errors"
	"waypoint/contexts/token-lifecycle/event-router/domain/token"
	"waypoint/contexts/token-lifecycle/event-router/ports"

	"github.com/google/uuid"
)

// Store is the in-memory token store and FSM enforcer. Mutations for one
// token id are linearized through a per-token lock; distinct ids proceed in
// parallel. Also backs the audit outbox for the in-memory module.
type Store struct {
	mu         sync.RWMutex
	tokens     map[string]token.Token
	byShipment map[string][]string
	locks      map[string]*sync.Mutex

	outboxMu sync.Mutex
	outbox   map[string]outboxRecord
}

type outboxRecord struct {
	Message     ports.OutboxMessage
	Status      string
	PublishedAt *time.Time
}

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"
)

func NewStore() *Store {
	return &Store{
		tokens:     make(map[string]token.Token),
		byShipment: make(map[string][]string),
		locks:      make(map[string]*sync.Mutex),
		outbox:     make(map[string]outboxRecord),
	}
}

func (s *Store) Get(_ context.Context, tokenID string) (token.Token, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.tokens[strings.TrimSpace(tokenID)]
	if !ok {
		return token.Token{}, false, nil
	}
	return item.Clone(), true, nil
}

func (s *Store) ListByShipment(_ context.Context, shipmentID string) ([]token.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byShipment[strings.TrimSpace(shipmentID)]
	items := make([]token.Token, 0, len(ids))
	for _, id := range ids {
		if item, ok := s.tokens[id]; ok {
			items = append(items, item.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// ApplyTransition performs the compare-and-swap transition under the
// per-token lock. Policy rejections come back as Applied=false with a
// reason; the error return is reserved for infra faults, which the memory
// store never produces.
func (s *Store) ApplyTransition(_ context.Context, event ports.TransitionEvent) (ports.TransitionOutcome, error) {
	payload := event.Payload
	tokenID := strings.TrimSpace(payload.TokenID)
	if tokenID == "" {
		return ports.TransitionOutcome{}, domainerrors.ErrInvalidInput
	}

	lock := s.tokenLock(tokenID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, exists := s.tokens[tokenID]
	s.mu.RUnlock()

	now := time.Now().UTC()

	if !exists {
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
		s.put(created)
		return ports.TransitionOutcome{Applied: true, Created: true, Token: created.Clone()}, nil
	}

	if current.State != payload.PreviousState {
		return ports.TransitionOutcome{
			Applied: false,
			Reason:  domainerrors.ReasonStaleState,
			Detail:  fmt.Sprintf("expected state %s but token %s is %s", payload.PreviousState, tokenID, current.State),
			Token:   current.Clone(),
		}, nil
	}
	if !token.IsLegalTransition(current.Type, payload.PreviousState, payload.NewState) {
		return ports.TransitionOutcome{
			Applied: false,
			Reason:  domainerrors.ReasonIllegalTransition,
			Detail:  fmt.Sprintf("%s may not move %s -> %s", current.Type, payload.PreviousState, payload.NewState),
			Token:   current.Clone(),
		}, nil
	}
	if token.RequiresProof(current.Type, payload.NewState) && payload.ProofHash == "" && (current.Proof == nil || current.Proof.Hash == "") {
		return ports.TransitionOutcome{
			Applied: false,
			Reason:  domainerrors.ReasonMissingProof,
			Detail:  fmt.Sprintf("state %s requires a proof hash", payload.NewState),
			Token:   current.Clone(),
		}, nil
	}

	next := current.Clone()
	next.State = payload.NewState
	next.UpdatedAt = now
	next.Version++
	mergeChanges(&next, payload, now)
	s.put(next)

	return ports.TransitionOutcome{Applied: true, Token: next.Clone()}, nil
}

// RevertTransition undoes a just-applied transition as settlement
// compensation. It compare-and-swaps from the applied state back to the
// prior one; a mismatch means someone already moved the token again.
func (s *Store) RevertTransition(_ context.Context, tokenID, fromState, toState string) error {
	tokenID = strings.TrimSpace(tokenID)
	lock := s.tokenLock(tokenID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, exists := s.tokens[tokenID]
	s.mu.RUnlock()

	if !exists {
		return domainerrors.ErrTokenNotFound
	}
	if current.State != fromState {
		return domainerrors.ErrRevertConflict
	}
	next := current.Clone()
	next.State = toState
	next.UpdatedAt = time.Now().UTC()
	next.Version++
	s.put(next)
	return nil
}

func (s *Store) MergeMetadata(_ context.Context, tokenID string, changes map[string]any) error {
	tokenID = strings.TrimSpace(tokenID)
	lock := s.tokenLock(tokenID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, exists := s.tokens[tokenID]
	s.mu.RUnlock()

	if !exists {
		return domainerrors.ErrTokenNotFound
	}
	next := current.Clone()
	for key, value := range changes {
		next.Metadata[key] = value
	}
	next.UpdatedAt = time.Now().UTC()
	s.put(next)
	return nil
}

// Seed installs pre-existing tokens. For tests and bootstrap only; it
// bypasses FSM validation but never overwrites an existing token.
func (s *Store) Seed(_ context.Context, tokens ...token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range tokens {
		id := strings.TrimSpace(item.TokenID)
		if id == "" {
			return domainerrors.ErrInvalidInput
		}
		if _, exists := s.tokens[id]; exists {
			return domainerrors.ErrTokenExists
		}
		seeded := item.Clone()
		if seeded.CreatedAt.IsZero() {
			seeded.CreatedAt = time.Now().UTC()
		}
		if seeded.Version == 0 {
			seeded.Version = 1
		}
		s.tokens[id] = seeded
		s.byShipment[seeded.ParentShipmentID] = append(s.byShipment[seeded.ParentShipmentID], id)
	}
	return nil
}

func (s *Store) put(item token.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[item.TokenID]; !exists {
		s.byShipment[item.ParentShipmentID] = append(s.byShipment[item.ParentShipmentID], item.TokenID)
	}
	s.tokens[item.TokenID] = item
}

func (s *Store) tokenLock(tokenID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[tokenID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[tokenID] = lock
	}
	return lock
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

func (s *Store) AppendOutbox(_ context.Context, envelope ports.EventEnvelope) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	outboxID := strings.TrimSpace(envelope.EventID)
	if outboxID == "" {
		return domainerrors.ErrInvalidInput
	}
	if _, ok := s.outbox[outboxID]; ok {
		return nil
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	s.outbox[outboxID] = outboxRecord{
		Message: ports.OutboxMessage{
			OutboxID:     outboxID,
			EventType:    envelope.EventType,
			PartitionKey: envelope.PartitionKey,
			Payload:      payload,
			CreatedAt:    envelope.OccurredAt.UTC(),
		},
		Status: outboxStatusPending,
	}
	return nil
}

func (s *Store) ListPendingOutbox(_ context.Context, limit int) ([]ports.OutboxMessage, error) {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	items := make([]ports.OutboxMessage, 0)
	for _, row := range s.outbox {
		if row.Status == outboxStatusPending {
			items = append(items, row.Message)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, outboxID string, publishedAt time.Time) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	row, ok := s.outbox[strings.TrimSpace(outboxID)]
	if !ok {
		return domainerrors.ErrOutboxNotFound
	}
	ts := publishedAt.UTC()
	row.Status = outboxStatusPublished
	row.PublishedAt = &ts
	s.outbox[strings.TrimSpace(outboxID)] = row
	return nil
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}
