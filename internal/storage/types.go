package storage

import "time"

// CulturalLevel classifies whether a story may leave the platform at all.
type CulturalLevel string

// Cultural permission levels.
const (
	CulturalPublic     CulturalLevel = "public"
	CulturalCommunity  CulturalLevel = "community"
	CulturalRestricted CulturalLevel = "restricted"
	CulturalSacred     CulturalLevel = "sacred"
)

// Story is the collaborator's story record as seen by the syndication core.
type Story struct {
	ID                      string
	TenantID                string
	StorytellerID           string
	StorytellerDisplayName  string
	Title                   string
	Content                 string
	Excerpt                 string
	Themes                  []string
	MediaURLs               []string
	CulturalPermissionLevel CulturalLevel
	IsPublic                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// ApprovalStatus is the state of a cultural review.
type ApprovalStatus string

// Cultural approval states.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// CulturalRestriction is one free-form restriction attached to a grant.
type CulturalRestriction struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// ConsentGrant is the storyteller's sovereignty record for one (story, site) pair.
type ConsentGrant struct {
	StoryID                  string
	SiteID                   string
	ConsentGranted           bool
	GrantedAt                *time.Time
	RevokedAt                *time.Time
	ShareFullContent         bool
	ShareSummaryOnly         bool
	ShareMedia               bool
	ShareAttribution         bool
	AnonymousSharing         bool
	CulturalRestrictions     []CulturalRestriction
	RequiresCulturalApproval bool
	CulturalApprovalStatus   ApprovalStatus
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Active reports whether consent is granted and not withdrawn.
func (g *ConsentGrant) Active() bool {
	return g != nil && g.ConsentGranted && g.RevokedAt == nil
}

// TokenScope is the content scope an embed token is allowed to unlock.
type TokenScope struct {
	Full                bool `json:"full"`
	SummaryOnly         bool `json:"summary_only"`
	MediaIncluded       bool `json:"media"`
	AttributionRequired bool `json:"attribution"`
	Anonymize           bool `json:"anonymize"`
}

// EmbedToken is the stored form of an issued embed token. The token string
// itself is never stored, only its SHA-256 hash.
type EmbedToken struct {
	ID                string
	StoryID           string
	SiteID            string
	TokenHash         string
	Scope             TokenScope
	DomainRestriction string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	UsageCount        int64
	LastUsedAt        *time.Time
	RevokedAt         *time.Time
	RevocationReason  string
}

// ActiveAt reports whether the token is neither revoked nor expired at now.
func (t *EmbedToken) ActiveAt(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// DistributionStatus is the lifecycle state of a story held by an external site.
type DistributionStatus string

// Distribution states.
const (
	DistributionActive            DistributionStatus = "active"
	DistributionPendingRemoval    DistributionStatus = "pending_removal"
	DistributionRemovedExternally DistributionStatus = "removed_externally"
	DistributionVerified          DistributionStatus = "verified"
	DistributionFlagged           DistributionStatus = "flagged"
	DistributionExpired           DistributionStatus = "expired"
	DistributionFailed            DistributionStatus = "failed"
)

// Distribution records one story being held by one external site.
type Distribution struct {
	ID               string
	StoryID          string
	SiteID           string
	Status           DistributionStatus
	WebhookURL       string
	WebhookSecret    string
	Platform         string
	PlatformPostID   string
	ViewCount        int64
	ClickCount       int64
	LastViewedAt     *time.Time
	RevokedAt        *time.Time
	RevocationReason string
	WebhookResponse  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubscriptionState is the stored tag of a subscription's retry state.
type SubscriptionState string

// Subscription retry states.
const (
	SubscriptionActive     SubscriptionState = "active"
	SubscriptionBackingOff SubscriptionState = "backing_off"
	SubscriptionDisabled   SubscriptionState = "disabled"
)

// WebhookSubscription is an external app's registered webhook endpoint.
type WebhookSubscription struct {
	ID                  string
	AppID               string
	URL                 string
	Secret              string
	Events              []string
	Description         string
	IsActive            bool
	State               SubscriptionState
	BackoffAttempt      int
	NextAttemptAt       *time.Time
	LastTriggeredAt     *time.Time
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	FailureCount        int
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Subscribes reports whether the subscription listens for event.
func (s *WebhookSubscription) Subscribes(event string) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryStatus is the state of one queued webhook delivery.
type DeliveryStatus string

// Delivery states.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryAbandoned DeliveryStatus = "abandoned"
)

// WebhookDelivery is one event sent (or to be re-sent) to one endpoint.
// Exactly one of SubscriptionID and DistributionID identifies where the
// signing secret lives.
type WebhookDelivery struct {
	ID              string
	SubscriptionID  string
	DistributionID  string
	StoryID         string
	SiteID          string
	URL             string
	EventType       string
	Payload         []byte
	Attempts        int
	Status          DeliveryStatus
	NextAttemptAt   *time.Time
	LastStatusCode  int
	LastError       string
	ResponseExcerpt string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActorType distinguishes system-driven from user-driven audit entries.
type ActorType string

// Audit actor types.
const (
	ActorSystem ActorType = "system"
	ActorUser   ActorType = "user"
)

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID            string
	TenantID      string
	StoryID       string
	EntityType    string
	EntityID      string
	Action        string
	ActorType     ActorType
	ActorID       string
	PreviousState string
	NewState      string
	Summary       string
	CreatedAt     time.Time
}

// PrincipalKind is the role an API key authenticates as.
type PrincipalKind string

// Principal kinds.
const (
	PrincipalAdmin       PrincipalKind = "admin"
	PrincipalStoryteller PrincipalKind = "storyteller"
	PrincipalSite        PrincipalKind = "site"
	PrincipalReviewer    PrincipalKind = "reviewer"
)

// Valid reports whether k is a known principal kind.
func (k PrincipalKind) Valid() bool {
	switch k {
	case PrincipalAdmin, PrincipalStoryteller, PrincipalSite, PrincipalReviewer:
		return true
	}
	return false
}

// Principal is an API key holder. SubjectID is the storyteller, site or
// reviewer identifier the key acts for.
type Principal struct {
	ID        string
	KeyHash   string
	Name      string
	Kind      PrincipalKind
	SubjectID string
	CreatedAt time.Time
}

// StoryAccess is one served embed request.
type StoryAccess struct {
	ID         string
	StoryID    string
	SiteID     string
	TokenID    string
	Domain     string
	AccessedAt time.Time
}
