package application

import (
	"strings"
	"time"

	domainerrors "waypoint/contexts/token-lifecycle/event-router/domain/errors"
	"waypoint/contexts/token-lifecycle/event-router/domain/token"
	"waypoint/contexts/token-lifecycle/event-router/ports"
)

// Normalizer validates and coerces raw structured payloads into canonical
// transition events. Pure and deterministic: no clock reads beyond timestamp
// parsing, no store access, no side effects.
type Normalizer struct{}

// Normalize builds a TransitionEvent from an arbitrary decoded payload.
// Any missing or malformed field yields a DispatchError.
func (Normalizer) Normalize(raw map[string]any) (ports.TransitionEvent, error) {
	if raw == nil {
		return ports.TransitionEvent{}, domainerrors.NewDispatchError("event body is empty")
	}

	eventType, err := requiredString(raw, "event_type")
	if err != nil {
		return ports.TransitionEvent{}, err
	}
	if !ports.KnownEventTypes[ports.EventType(eventType)] {
		return ports.TransitionEvent{}, domainerrors.NewDispatchError("unknown event_type %q", eventType)
	}

	source, err := requiredString(raw, "source")
	if err != nil {
		return ports.TransitionEvent{}, err
	}
	if !ports.KnownEventSources[ports.EventSource(source)] {
		return ports.TransitionEvent{}, domainerrors.NewDispatchError("unknown source %q", source)
	}

	timestamp, err := requiredTimestamp(raw, "timestamp")
	if err != nil {
		return ports.TransitionEvent{}, err
	}

	shipmentID, err := requiredString(raw, "parent_shipment_id")
	if err != nil {
		return ports.TransitionEvent{}, err
	}
	if len(shipmentID) < 3 {
		return ports.TransitionEvent{}, domainerrors.NewDispatchError("parent_shipment_id must be at least 3 characters")
	}

	actorID, err := requiredString(raw, "actor_id")
	if err != nil {
		return ports.TransitionEvent{}, err
	}

	payload, err := normalizePayload(raw)
	if err != nil {
		return ports.TransitionEvent{}, err
	}

	eventID := optionalString(raw, "event_id")

	return ports.TransitionEvent{
		EventID:          eventID,
		EventType:        ports.EventType(eventType),
		Source:           ports.EventSource(source),
		Timestamp:        timestamp,
		ParentShipmentID: shipmentID,
		ActorID:          actorID,
		Payload:          payload,
	}, nil
}

func normalizePayload(raw map[string]any) (ports.TransitionPayload, error) {
	value, ok := raw["payload"]
	if !ok {
		return ports.TransitionPayload{}, domainerrors.NewDispatchError("missing field payload")
	}
	body, ok := value.(map[string]any)
	if !ok {
		return ports.TransitionPayload{}, domainerrors.NewDispatchError("payload must be an object")
	}

	tokenID, err := requiredString(body, "token_id")
	if err != nil {
		return ports.TransitionPayload{}, err
	}
	tokenType, err := requiredString(body, "token_type")
	if err != nil {
		return ports.TransitionPayload{}, err
	}
	if !token.ValidType(tokenType) {
		return ports.TransitionPayload{}, domainerrors.NewDispatchError("unknown token_type %q", tokenType)
	}
	newState, err := requiredString(body, "new_state")
	if err != nil {
		return ports.TransitionPayload{}, err
	}

	metadata, err := optionalObject(body, "metadata_changes")
	if err != nil {
		return ports.TransitionPayload{}, err
	}
	relations, err := optionalStringMap(body, "relation_changes")
	if err != nil {
		return ports.TransitionPayload{}, err
	}

	return ports.TransitionPayload{
		TokenID:         tokenID,
		TokenType:       token.Type(tokenType),
		PreviousState:   optionalString(body, "previous_state"),
		NewState:        newState,
		ProofHash:       optionalString(body, "proof_hash"),
		MetadataChanges: metadata,
		RelationChanges: relations,
	}, nil
}

func requiredString(body map[string]any, field string) (string, error) {
	value, ok := body[field]
	if !ok {
		return "", domainerrors.NewDispatchError("missing field %s", field)
	}
	text, ok := value.(string)
	if !ok {
		return "", domainerrors.NewDispatchError("field %s must be a string", field)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domainerrors.NewDispatchError("field %s is empty", field)
	}
	return text, nil
}

func optionalString(body map[string]any, field string) string {
	value, ok := body[field]
	if !ok {
		return ""
	}
	text, _ := value.(string)
	return strings.TrimSpace(text)
}

func requiredTimestamp(body map[string]any, field string) (time.Time, error) {
	value, err := requiredString(body, field)
	if err != nil {
		return time.Time{}, err
	}
	ts, parseErr := time.Parse(time.RFC3339, value)
	if parseErr != nil {
		return time.Time{}, domainerrors.NewDispatchError("field %s is not an RFC3339 timestamp", field)
	}
	return ts.UTC(), nil
}

func optionalObject(body map[string]any, field string) (map[string]any, error) {
	value, ok := body[field]
	if !ok || value == nil {
		return map[string]any{}, nil
	}
	object, ok := value.(map[string]any)
	if !ok {
		return nil, domainerrors.NewDispatchError("field %s must be an object", field)
	}
	return object, nil
}

func optionalStringMap(body map[string]any, field string) (map[string]string, error) {
	object, err := optionalObject(body, field)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(object))
	for key, value := range object {
		text, ok := value.(string)
		if !ok {
			return nil, domainerrors.NewDispatchError("field %s.%s must be a string token reference", field, key)
		}
		out[key] = text
	}
	return out, nil
}
