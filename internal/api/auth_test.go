package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

func TestParseToken(t *testing.T) {
	subject := uuid.New()
	tok, err := IssueToken("s3cret", Principal{Subject: subject, Role: RoleCaregiver}, time.Minute)
	require.NoError(t, err)

	p, err := parseToken(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: subject, Role: RoleCaregiver}, p)

	_, err = parseToken(tok, "other")
	assert.Error(t, err)
}

func TestParseTokenRejects(t *testing.T) {
	sign := func(claims jwt.Claims, method jwt.SigningMethod) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		return s
	}
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	cases := map[string]string{
		"no expiry":    sign(Claims{Role: RolePatient, RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()}}, jwt.SigningMethodHS256),
		"unknown role": sign(Claims{Role: "nurse", RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString(), ExpiresAt: future}}, jwt.SigningMethodHS256),
		"subject":      sign(Claims{Role: RolePatient, RegisteredClaims: jwt.RegisteredClaims{Subject: "pat", ExpiresAt: future}}, jwt.SigningMethodHS256),
		"wrong alg":    sign(Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}, jwt.SigningMethodHS512),
		"malformed":    "abc.def",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseToken(tok, "s3cret")
			assert.Error(t, err)
		})
	}
}

func TestPrincipalPermissions(t *testing.T) {
	patientID, caregiverID := uuid.New(), uuid.New()
	appt := &appointment.Appointment{PatientID: patientID, CaregiverID: caregiverID}

	admin := Principal{Role: RoleAdmin}
	patient := Principal{Role: RolePatient, Subject: patientID}
	caregiver := Principal{Role: RoleCaregiver, Subject: caregiverID}
	stranger := Principal{Role: RolePatient, Subject: uuid.New()}

	assert.True(t, admin.canAccessAppointment(appt))
	assert.True(t, patient.canAccessAppointment(appt))
	assert.True(t, caregiver.canAccessAppointment(appt))
	assert.False(t, stranger.canAccessAppointment(appt))

	assert.True(t, patient.canActAsPatient(patientID))
	assert.False(t, caregiver.canActAsPatient(patientID))
	assert.True(t, caregiver.canActAsCaregiver(caregiverID))
	assert.False(t, patient.canActAsCaregiver(caregiverID))
	assert.True(t, admin.canActAsCaregiver(uuid.New()))
}

func TestVerifyWebhookSignature(t *testing.T) {
	var got string
	h := VerifyWebhookSignature("k")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		got = string(buf[:n])
		w.WriteHeader(http.StatusNoContent)
	}))

	body := `{"status":"failed"}`
	for _, sig := range []string{SignWebhook("k", []byte(body)), SignWebhook("k", []byte(body))[len("sha256="):]} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set(signatureHeader, sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, body, got, "body is replayed to the handler")
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(signatureHeader, "sha256=zz")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiterKeys(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(remote string, p *Principal) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if p != nil {
			req = req.WithContext(WithPrincipal(req.Context(), *p))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:1234", nil))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:5678", nil))
	assert.Equal(t, http.StatusOK, call("10.0.0.2:1234", nil))

	p := Principal{Role: RolePatient, Subject: uuid.New()}
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1234", &p))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.9:1234", &p))
}
