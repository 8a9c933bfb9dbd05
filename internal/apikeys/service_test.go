package apikeys

import (
	"bytes"
	"context"
	"testing"

	"digit-trading-bot/config"
	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
	"digit-trading-bot/internal/vault"
)

func TestSaveAndResolveFromDatabase(t *testing.T) {
	store := database.NewMemoryStore()
	svc, err := NewService(store, nil, "test-key")
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	ctx := context.Background()

	if err := svc.SaveToken(ctx, "u1", "demo", "a1-secret-token"); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	raw, _ := store.GetBrokerToken(ctx, "u1", "demo")
	if bytes.Contains(raw, []byte("a1-secret-token")) {
		t.Fatal("Token must not be stored in plaintext")
	}

	got, err := svc.Token(ctx, "u1", "demo")
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if got != "a1-secret-token" {
		t.Errorf("Expected a1-secret-token, got %s", got)
	}
}

func TestTokenMissing(t *testing.T) {
	svc, _ := NewService(database.NewMemoryStore(), nil, "k")
	_, err := svc.Token(context.Background(), "nobody", "real")
	if !errs.Is(err, errs.KindBroker) {
		t.Errorf("Expected BROKER_ERROR, got %v", err)
	}
}

func TestWrongKeyCannotDecrypt(t *testing.T) {
	store := database.NewMemoryStore()
	a, _ := NewService(store, nil, "key-a")
	b, _ := NewService(store, nil, "key-b")

	if err := a.SaveToken(context.Background(), "u1", "demo", "tok"); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	if _, err := b.Token(context.Background(), "u1", "demo"); err == nil {
		t.Error("Expected decrypt failure with a different key")
	}
}

func TestNewServiceRequiresKey(t *testing.T) {
	if _, err := NewService(database.NewMemoryStore(), nil, ""); !errs.Is(err, errs.KindConfig) {
		t.Errorf("Expected CONFIG_ERROR, got %v", err)
	}
}

type enabledVault struct {
	*vault.Client
}

func (enabledVault) IsEnabled() bool { return true }

func TestVaultTakesPrecedence(t *testing.T) {
	vc, _ := vault.NewClient(config.VaultConfig{})
	store := database.NewMemoryStore()
	svc, _ := NewService(store, enabledVault{vc}, "k")
	ctx := context.Background()

	if err := svc.SaveToken(ctx, "u1", "real", "vault-tok"); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	if _, err := store.GetBrokerToken(ctx, "u1", "real"); err == nil {
		t.Error("Token should be stored in vault, not the database")
	}
	got, err := svc.Token(ctx, "u1", "real")
	if err != nil || got != "vault-tok" {
		t.Errorf("Expected vault-tok, got %q (%v)", got, err)
	}
}

func TestPaperTokens(t *testing.T) {
	got, _ := PaperTokens{}.Token(context.Background(), "u9", "demo")
	if got != "paper-u9" {
		t.Errorf("Expected paper-u9, got %s", got)
	}
}
