package main

import (
	"context"

	"pastebin/cfg"
	"pastebin/pkg/secrets"
	"pastebin/svc/db"
	"pastebin/svc/svc"
	"pastebin/svc/util"

	"github.com/pkg/errors"
)

const minPepperLen = 32

// backend is the configured store. sqlite is set only for the sqlite
// driver, which needs WAL maintenance.
type backend struct {
	store  svc.Store
	sqlite *db.SQLite
	close  func() error
}

func (b *backend) Close() {
	if err := b.close(); err != nil {
		util.Warn().Err(err).Msg("store close failed")
	}
}

func openStore(c *cfg.Cfg) (*backend, error) {
	switch c.DatabaseDriver {
	case cfg.DriverPostgres:
		pg, err := db.NewPostgres(c.DatabaseURL.Value(), c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize postgres")
		}
		util.Info().Msg("postgres store initialized")
		return &backend{store: pg, close: pg.Close}, nil
	case cfg.DriverSQLite, "":
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize database")
		}
		util.Info().Str("path", c.DatabasePath).Msg("database initialized")
		return &backend{store: s, sqlite: s, close: s.Close}, nil
	}
	return nil, errors.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver)
}

// loadPepper returns the argon2 pepper from the configured source. The
// caller wipes the returned slice once the hasher holds its own copy.
func loadPepper(ctx context.Context, c *cfg.Cfg) ([]byte, error) {
	var (
		p   secrets.Provider
		err error
	)
	switch c.PepperSource {
	case cfg.PepperFromEnv, "":
		pepper := []byte(c.Pepper.Value())
		if len(pepper) < minPepperLen {
			util.Wipe(pepper)
			return nil, errors.Errorf("pepper too short, must be >= %d bytes", minPepperLen)
		}
		return pepper, nil
	case cfg.PepperFromVault:
		p, err = secrets.NewVault(ctx, c.VaultAddr, c.VaultMount)
	case cfg.PepperFromAWS:
		p, err = secrets.NewAWS(ctx, c.AWSRegion, c.AWSEndpoint)
	default:
		return nil, errors.Errorf("unknown PEPPER_SOURCE %q", c.PepperSource)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "pepper source %s", c.PepperSource)
	}
	v, err := secrets.Fetch(ctx, p, c.PepperSecretID, c.PepperSecretKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pepper")
	}
	pepper := []byte(v)
	if len(pepper) < minPepperLen {
		util.Wipe(pepper)
		return nil, errors.Errorf("pepper too short, must be >= %d bytes", minPepperLen)
	}
	util.Info().Str("source", c.PepperSource).Str("secret_id", c.PepperSecretID).Msg("pepper loaded")
	return pepper, nil
}
