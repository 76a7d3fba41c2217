package gateway

import (
	"errors"
	"testing"

	"toolhost/internal/domain"
)

func TestStaticTokenAuthValid(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "secret-123", Name: "desktop-shell"}})

	info, err := auth.Authenticate("secret-123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "desktop-shell" {
		t.Errorf("Name = %q", info.Name)
	}
}

func TestStaticTokenAuthInvalid(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "secret-123", Name: "desktop-shell"}})

	_, err := auth.Authenticate("wrong-token")
	if !errors.Is(err, domain.ErrGatewayAuthFailed) {
		t.Errorf("err = %v, want ErrGatewayAuthFailed", err)
	}
}

func TestStaticTokenAuthSkipsEmptyTokens(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "", Name: "blank"}})

	if _, err := auth.Authenticate(""); err == nil {
		t.Fatal("an empty token must never authenticate")
	}
}
