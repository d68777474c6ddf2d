package logger

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Init must not touch the process arguments: subcommand flag sets parse
// os.Args[1:] themselves after the logger is up.
func TestInitIgnoresSubcommandArguments(t *testing.T) {
	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })
	os.Args = []string{"nblast", "-in", "neurons.json", "-out", "scores.json"}

	t.Setenv("NBLAST_ENV", "test")
	require.NotPanics(t, Init)

	assert.Equal(t, []string{"nblast", "-in", "neurons.json", "-out", "scores.json"}, os.Args)
	assert.Equal(t, zerolog.TraceLevel, zerolog.GlobalLevel())
}

func TestInitLevelFromEnvironment(t *testing.T) {
	t.Setenv("NBLAST_ENV", "prod")
	Init()
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	t.Setenv("NBLAST_LOG_LEVEL", "debug")
	Init()
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	// An unknown override keeps the environment default.
	t.Setenv("NBLAST_LOG_LEVEL", "chatty")
	Init()
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	assert.NotNil(t, Sugar())
}
