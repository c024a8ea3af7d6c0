package webhook

import (
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// Event types a subscription may listen for.
const (
	EventContentRevoked   = "content_revoked"
	EventConsentGranted   = "consent.granted"
	EventConsentUpdated   = "consent.updated"
	EventConsentRevoked   = "consent.revoked"
	EventCulturalApproved = "cultural.approved"
	EventCulturalDenied   = "cultural.denied"
	EventStoryUpdated     = "story.updated"
)

var knownEvents = map[string]bool{
	EventContentRevoked:   true,
	EventConsentGranted:   true,
	EventConsentUpdated:   true,
	EventConsentRevoked:   true,
	EventCulturalApproved: true,
	EventCulturalDenied:   true,
	EventStoryUpdated:     true,
}

// KnownEvent reports whether event is one a subscription may register for.
func KnownEvent(event string) bool {
	return knownEvents[event]
}

// Envelope is the JSON body of every outbound webhook.
type Envelope struct {
	StoryID   string         `json:"storyId"`
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// State is a subscription's retry state: active, backing off before the
// next attempt, or disabled until an operator reactivates it.
type State struct {
	Kind storage.SubscriptionState `json:"kind"`
	// Attempt and NextAttemptAt are set only while backing off.
	Attempt       int        `json:"attempt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

// StateOf reads the retry state stored on sub.
func StateOf(sub *storage.WebhookSubscription) State {
	switch {
	case sub.State == storage.SubscriptionDisabled || !sub.IsActive:
		return State{Kind: storage.SubscriptionDisabled}
	case sub.State == storage.SubscriptionBackingOff && sub.NextAttemptAt != nil:
		return State{Kind: storage.SubscriptionBackingOff, Attempt: sub.BackoffAttempt, NextAttemptAt: sub.NextAttemptAt}
	default:
		return State{Kind: storage.SubscriptionActive}
	}
}

// Disabled reports whether the subscription receives no attempts.
func (s State) Disabled() bool {
	return s.Kind == storage.SubscriptionDisabled
}
