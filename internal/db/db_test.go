package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"consensus-core/internal/config"
)

func TestOpenWithoutDatabase(t *testing.T) {
	gdb, err := Open(config.Config{})
	require.NoError(t, err)
	require.Nil(t, gdb)
	require.NoError(t, AutoMigrate(nil))
	require.Nil(t, NewStore(nil))
}

func TestOpenUnsupportedDialect(t *testing.T) {
	_, err := Open(config.Config{DBDialect: "mysql", DBDsn: "root@/x"})
	require.ErrorContains(t, err, "unsupported")
}
