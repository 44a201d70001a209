package authz

import (
	"errors"

	"userpref/pkg/auth"

	"github.com/google/uuid"
)

type Operation string

const (
	OpCreate Operation = "CREATE"
	OpRead   Operation = "READ"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

const (
	ReasonAllow         = "AUTHZ_ALLOW"
	ReasonElevationReq  = "AUTHZ_ELEVATION_REQUIRED"
	ReasonSubjectSelf   = "AUTHZ_SELF_OR_ELEVATED_REQUIRED"
	ReasonUnknownAction = "AUTHZ_UNKNOWN_OPERATION"
)

// ErrInvalidIdentity marks a claim set that cannot yield an identity. The API
// surface maps it to 401, distinct from a denial (403).
var ErrInvalidIdentity = errors.New("invalid identity claims")

// Identity is the authorization context derived from verified claims.
type Identity struct {
	ActorID        uuid.UUID
	ElevatedRights bool
}

type Decision struct {
	Allowed bool
	Reason  string
}

// IdentityFromPrincipal converts the authenticated principal into an Identity.
// The subject claim must be a UUID; anything else is an invalid identity, not
// a denial.
func IdentityFromPrincipal(p auth.Principal, ok bool) (Identity, error) {
	if !ok {
		return Identity{}, ErrInvalidIdentity
	}
	actorID, err := uuid.Parse(p.Subject)
	if err != nil {
		return Identity{}, ErrInvalidIdentity
	}
	return Identity{ActorID: actorID, ElevatedRights: p.ElevatedRights}, nil
}

// Authorize decides whether id may perform op against targetUserID.
// Create and Delete always require elevated rights; Read and Update permit
// self-access as well. Pure function, no side effects.
func Authorize(id Identity, targetUserID uuid.UUID, op Operation) Decision {
	switch op {
	case OpCreate, OpDelete:
		if id.ElevatedRights {
			return Decision{Allowed: true, Reason: ReasonAllow}
		}
		return Decision{Allowed: false, Reason: ReasonElevationReq}
	case OpRead, OpUpdate:
		if id.ElevatedRights || id.ActorID == targetUserID {
			return Decision{Allowed: true, Reason: ReasonAllow}
		}
		return Decision{Allowed: false, Reason: ReasonSubjectSelf}
	default:
		return Decision{Allowed: false, Reason: ReasonUnknownAction}
	}
}
