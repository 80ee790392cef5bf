package model

import "time"

// Phase is the process-wide migration phase held by the Registry.
type Phase string

const (
	PhaseNotStarted  Phase = "not-started"
	PhaseVerifying   Phase = "verifying"
	PhaseDualSchema  Phase = "dual-schema"
	PhaseBackfilling Phase = "backfilling"
	PhaseCutover     Phase = "cutover"
	PhaseRolledBack  Phase = "rolled-back"
)

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseNotStarted, PhaseVerifying, PhaseDualSchema, PhaseBackfilling, PhaseCutover, PhaseRolledBack:
		return true
	}
	return false
}

// CanTransitionTo reports whether the forward transition p -> next is legal.
// rolled-back is reachable from every phase once migration has begun; the
// additional verification gate for verifying -> dual-schema is enforced by the
// Registry, which holds the last verification result.
func (p Phase) CanTransitionTo(next Phase) bool {
	if next == PhaseRolledBack {
		return p != PhaseNotStarted
	}
	switch p {
	case PhaseNotStarted:
		return next == PhaseVerifying
	case PhaseVerifying:
		return next == PhaseDualSchema
	case PhaseDualSchema:
		return next == PhaseBackfilling
	case PhaseBackfilling:
		return next == PhaseCutover
	default:
		return false
	}
}

// ReadPreference selects which shape a collection's queries treat as primary
// during the dual-schema window.
type ReadPreference string

const (
	ReadPreferenceLegacyFirst ReadPreference = "legacy-first"
	ReadPreferenceNewFirst    ReadPreference = "new-first"
)

// CollectionPolicy is the per-collection schema policy consulted on every
// request path.
type CollectionPolicy struct {
	WriteSchema    SchemaVersion  `bson:"write_schema" json:"writeSchema"`
	ReadPreference ReadPreference `bson:"read_preference" json:"readPreference"`
}

// DefaultCollectionPolicy returns the pre-migration policy: legacy writes,
// legacy-first reads.
func DefaultCollectionPolicy() CollectionPolicy {
	return CollectionPolicy{
		WriteSchema:    SchemaVersionLegacy,
		ReadPreference: ReadPreferenceLegacyFirst,
	}
}

// RegistryState is the persisted singleton backing the Migration Registry.
// The in-memory copy held by each process is strictly a cache of this value.
type RegistryState struct {
	Phase            Phase                       `bson:"phase" json:"phase"`
	Policies         map[string]CollectionPolicy `bson:"policies" json:"policies"`
	LastVerification *VerificationResult         `bson:"last_verification,omitempty" json:"lastVerification,omitempty"`
	LastHealthCheck  *HealthReport               `bson:"last_health_check,omitempty" json:"lastHealthCheck,omitempty"`
	UpdatedAt        time.Time                   `bson:"updated_at" json:"updatedAt"`
}

// NewRegistryState returns the initial state for the given collections.
func NewRegistryState(collections ...string) *RegistryState {
	policies := make(map[string]CollectionPolicy, len(collections))
	for _, c := range collections {
		policies[c] = DefaultCollectionPolicy()
	}
	return &RegistryState{
		Phase:     PhaseNotStarted,
		Policies:  policies,
		UpdatedAt: time.Now(),
	}
}

// Policy returns the policy for a collection, falling back to the
// pre-migration default for collections the state does not track.
func (s *RegistryState) Policy(collection string) CollectionPolicy {
	if p, ok := s.Policies[collection]; ok {
		return p
	}
	return DefaultCollectionPolicy()
}

// DualSchemaActive reports whether both shapes may coexist for reads, which
// holds from dual-schema until cutover completes.
func (s *RegistryState) DualSchemaActive() bool {
	return s.Phase == PhaseDualSchema || s.Phase == PhaseBackfilling
}

// Clone returns a deep copy so cached snapshots are never mutated in place.
func (s *RegistryState) Clone() *RegistryState {
	out := *s
	out.Policies = make(map[string]CollectionPolicy, len(s.Policies))
	for k, v := range s.Policies {
		out.Policies[k] = v
	}
	if s.LastVerification != nil {
		v := *s.LastVerification
		out.LastVerification = &v
	}
	if s.LastHealthCheck != nil {
		h := *s.LastHealthCheck
		out.LastHealthCheck = &h
	}
	return &out
}
