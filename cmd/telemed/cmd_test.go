package main

import (
	"testing"

	"github.com/paulomaciel91/cactosaude-sub003/config"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"serve"},
		{"join"},
		{"ctl", "start"},
		{"ctl", "status"},
		{"ctl", "toggle"},
		{"ctl", "end"},
		{"ctl", "room"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	join, _, err := root.Find([]string{"join"})
	require.NoError(t, err)
	assert.NotNil(t, join.Flags().Lookup("legacy-offer"))
}

func TestJoinAcceptsAtMostOneRoom(t *testing.T) {
	join, _, err := newRootCmd().Find([]string{"join"})
	require.NoError(t, err)
	assert.NoError(t, join.Args(join, nil))
	assert.NoError(t, join.Args(join, []string{"K7QM3X"}))
	assert.Error(t, join.Args(join, []string{"a", "b"}))
}

func TestSetupLoggerLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	cfg := config.Default()
	cfg.LogLevel = "debug"
	setupLogger(cfg)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	cfg.LogLevel = "loud"
	setupLogger(cfg)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestCtlFlags(t *testing.T) {
	opts := &ctlOptions{}
	fs := pflag.NewFlagSet("ctl", pflag.ContinueOnError)
	opts.addFlags(fs)

	require.NoError(t, fs.Parse([]string{"-u", "dr-silva", "--server", "http://clinic:9000"}))
	assert.Equal(t, "dr-silva", opts.user)
	assert.Equal(t, "http://clinic:9000", opts.server)
	assert.Empty(t, opts.password)

	_, err := (&ctlOptions{server: opts.server}).login(newCtlCmd())
	assert.EqualError(t, err, "--user is required")
}
