package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

type Role string

const (
	RolePatient   Role = "patient"
	RoleCaregiver Role = "caregiver"
	RoleAdmin     Role = "admin"
)

func (r Role) valid() bool {
	switch r {
	case RolePatient, RoleCaregiver, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated caller. Subject is the patient or caregiver
// id for those roles.
type Principal struct {
	Subject uuid.UUID
	Role    Role
}

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

const principalKey contextKey = "principal"

// devPrincipal is used when no JWT secret is configured (dev only; config
// refuses to start prod without one).
var devPrincipal = Principal{Role: RoleAdmin}

// Authenticate validates an HS256 bearer token and stores the Principal in the
// request context.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), devPrincipal)))
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			p, err := parseToken(strings.TrimPrefix(auth, "Bearer "), secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func parseToken(raw, secret string) (Principal, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if !claims.Role.valid() {
		return Principal{}, errors.New("unknown role")
	}

	p := Principal{Role: claims.Role}
	if claims.Role != RoleAdmin {
		p.Subject, err = uuid.Parse(claims.Subject)
		if err != nil {
			return Principal{}, errors.New("subject must be a uuid")
		}
	}
	return p, nil
}

// IssueToken signs a token for the given principal. Used by tooling and tests.
func IssueToken(secret string, p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func principal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

func (p Principal) canAccessAppointment(a *appointment.Appointment) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RolePatient:
		return a.PatientID == p.Subject
	case RoleCaregiver:
		return a.CaregiverID == p.Subject
	}
	return false
}

func (p Principal) canActAsPatient(patientID uuid.UUID) bool {
	return p.Role == RoleAdmin || (p.Role == RolePatient && p.Subject == patientID)
}

func (p Principal) canActAsCaregiver(caregiverID uuid.UUID) bool {
	return p.Role == RoleAdmin || (p.Role == RoleCaregiver && p.Subject == caregiverID)
}
