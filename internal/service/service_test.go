package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
)

func TestIssueAndValidateToken(t *testing.T) {
	auth := &AuthService{}
	user := &domain.User{ID: uuid.New(), Username: "admin", IsAdmin: true}

	token, err := auth.IssueToken(user, "secret")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := auth.ValidateToken(token, "secret")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != user.ID || claims.Username != "admin" || !claims.IsAdmin {
		t.Fatalf("claims = %+v", claims)
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl < 6*24*time.Hour || ttl > 7*24*time.Hour {
		t.Fatalf("expiry in %v, want about 7 days", ttl)
	}

	if _, err := auth.ValidateToken(token, "other"); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	claims := &JWTClaims{
		UserID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := (&AuthService{}).ValidateToken(token, "secret"); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestNormalizeFilter(t *testing.T) {
	tests := []struct {
		name string
		in   domain.MessageFilter
		want domain.MessageFilter
	}{
		{"defaults", domain.MessageFilter{}, domain.MessageFilter{Limit: 50}},
		{"cap", domain.MessageFilter{Limit: 10000, Offset: 20}, domain.MessageFilter{Limit: 500, Offset: 20}},
		{"negative offset", domain.MessageFilter{Limit: 5, Offset: -3}, domain.MessageFilter{Limit: 5}},
		{"bad direction", domain.MessageFilter{Direction: "sideways"}, domain.MessageFilter{Limit: 50}},
		{"inbound", domain.MessageFilter{Direction: "inbound"}, domain.MessageFilter{Limit: 50, Direction: "inbound"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeFilter(tt.in)
			if got.Limit != tt.want.Limit || got.Offset != tt.want.Offset || got.Direction != tt.want.Direction {
				t.Fatalf("NormalizeFilter(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewAPITokenIsUnique(t *testing.T) {
	a, b := newAPIToken(), newAPIToken()
	if a == b || len(a) != 64 {
		t.Fatalf("tokens %q %q", a, b)
	}
}
