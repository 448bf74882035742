package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"pastebin/cfg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPepperFromEnv(t *testing.T) {
	c := &cfg.Cfg{PepperSource: cfg.PepperFromEnv, Pepper: cfg.NewSecret(strings.Repeat("p", 32))}
	pepper, err := loadPepper(context.Background(), c)
	require.NoError(t, err)
	assert.Len(t, pepper, 32)

	c.Pepper = cfg.NewSecret("short")
	_, err = loadPepper(context.Background(), c)
	assert.ErrorContains(t, err, "too short")

	c.PepperSource = "file"
	_, err = loadPepper(context.Background(), c)
	assert.ErrorContains(t, err, "PEPPER_SOURCE")
}

func TestOpenStore(t *testing.T) {
	c := &cfg.Cfg{
		DatabaseDriver: cfg.DriverSQLite,
		DatabasePath:   filepath.Join(t.TempDir(), "p.db"),
		DBMaxOpenConns: 2,
		DBMaxIdleConns: 1,
	}
	be, err := openStore(c)
	require.NoError(t, err)
	defer be.Close()
	assert.NotNil(t, be.sqlite)
	assert.NoError(t, be.store.Ping(context.Background()))

	c.DatabaseDriver = "mongo"
	_, err = openStore(c)
	assert.Error(t, err)
}

func TestSweepCommand(t *testing.T) {
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "sweep.db"))
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"sweep", "--env-file", filepath.Join(t.TempDir(), "absent.env")})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "deleted 0 expired pastes\n", out.String())
}
