package activity

import (
	"strings"
	"time"
)

// SlotEventInput describes the common fields for retained-slot lifecycle
// events. Key identifies the slot, Source says where its value came from, and
// Retained reports the teardown decision.
type SlotEventInput struct {
	Key        string
	Source     string
	Retained   bool
	ActorID    string
	UserID     string
	TenantID   string
	Channel    string
	Metadata   map[string]any
	OccurredAt time.Time
}

// BuildSlotRememberedEvent constructs an activity event for a slot committing
// into the live tree.
func BuildSlotRememberedEvent(input SlotEventInput) Event {
	return buildSlotEvent("retain.slot.remembered", input)
}

// BuildSlotForgottenEvent constructs an activity event for a committed slot
// being torn down.
func BuildSlotForgottenEvent(input SlotEventInput) Event {
	return buildSlotEvent("retain.slot.forgotten", input)
}

// BuildSlotAbandonedEvent constructs an activity event for a slot discarded
// before it committed.
func BuildSlotAbandonedEvent(input SlotEventInput) Event {
	return buildSlotEvent("retain.slot.abandoned", input)
}

// BuildSlotSavedEvent constructs an activity event for a slot's value being
// handed to the retained registry at teardown.
func BuildSlotSavedEvent(input SlotEventInput) Event {
	return buildSlotEvent("retain.slot.saved", input)
}

func buildSlotEvent(verb string, input SlotEventInput) Event {
	metadata := cloneMap(input.Metadata)
	if input.Source != "" {
		metadata = ensureMetadata(metadata)
		metadata["source"] = input.Source
	}
	metadata = ensureMetadata(metadata)
	metadata["retained"] = input.Retained

	objectID := strings.TrimSpace(input.Key)
	if objectID == "" {
		objectID = "retain.slot"
	}

	return Event{
		Verb:       verb,
		ActorID:    strings.TrimSpace(input.ActorID),
		UserID:     strings.TrimSpace(input.UserID),
		TenantID:   strings.TrimSpace(input.TenantID),
		ObjectType: "retain.slot",
		ObjectID:   objectID,
		Channel:    strings.TrimSpace(input.Channel),
		Metadata:   metadata,
		OccurredAt: input.OccurredAt,
	}
}

func ensureMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}
