package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/forest6511/keystone/internal/config"
	"github.com/forest6511/keystone/pkg/audit"
	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/keystone"
	"github.com/forest6511/keystone/pkg/recovery"
	"github.com/forest6511/keystone/pkg/storage"
	"github.com/forest6511/keystone/pkg/vault"
)

// vaultsDirName holds one vault directory per user under the data dir.
const vaultsDirName = "vaults"

// services bundles the collaborators every command works with.
type services struct {
	store     storage.Store
	audit     *audit.Logger
	reg       *keystone.Registry
	serverKey []byte
}

// openServices opens storage, the audit log and the registry for source.
func openServices(ctx context.Context, source string) (*services, error) {
	serverKey, err := config.LoadServerKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key: %w", err)
	}

	store, err := openStore(ctx)
	if err != nil {
		crypto.SecureWipe(serverKey)
		return nil, err
	}

	svc := &services{store: store, serverKey: serverKey}
	if cfg.Audit.Enabled {
		svc.audit = audit.NewLogger(cfg.AuditPath(dataDir))
		if err := svc.audit.SetHMACKey(serverKey); err != nil {
			svc.Close()
			return nil, fmt.Errorf("failed to initialize audit log: %w", err)
		}
	}

	svc.reg, err = keystone.New(store, keystone.Options{
		KDF:                      cfg.KDF,
		Lockout:                  cfg.Lockout,
		MaxConcurrentDerivations: cfg.Session.MaxConcurrentDerivations,
		AllowKeystoneBypass:      cfg.Policy.AllowKeystoneBypass,
		HintKey:                  serverKey,
		Audit:                    svc.audit,
		AuditSource:              source,
		Logger:                   slog.Default(),
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// openStore opens the configured storage driver.
func openStore(ctx context.Context) (storage.Store, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		slog.Warn("using in-memory storage, enrollments are lost on exit")
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenSQLite(ctx, dataDir)
}

// manager returns a recovery session manager configured from cfg.
func (s *services) manager(source string) *recovery.Manager {
	return recovery.NewManager(s.reg, recovery.Options{
		Timeout:       cfg.Session.Timeout,
		SweepInterval: cfg.Session.SweepInterval,
		Audit:         s.audit,
		AuditSource:   source,
		Logger:        slog.Default(),
	})
}

// Close releases storage and wipes the server key.
func (s *services) Close() {
	if err := s.store.Close(); err != nil {
		slog.Warn("failed to close storage", "err", err)
	}
	crypto.SecureWipe(s.serverKey)
}

// userVault returns the vault handle of userID.
func userVault(userID string) *vault.Vault {
	v := vault.New(filepath.Join(dataDir, vaultsDirName, userID))
	v.SetLogger(slog.Default())
	return v
}

// openAudit opens the audit log without the registry, for audit commands.
func openAudit() (*audit.Logger, error) {
	if !cfg.Audit.Enabled {
		return nil, fmt.Errorf("audit logging is disabled in %s", config.FileName)
	}
	key, err := config.LoadServerKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key: %w", err)
	}
	l := audit.NewLogger(cfg.AuditPath(dataDir))
	err = l.SetHMACKey(key)
	crypto.SecureWipe(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}
	return l, nil
}
