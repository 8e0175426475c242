package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnv(t *testing.T) {
	t.Setenv("TRN_REPLAY_LOGDIR", "/data/missions/2017-07-03")
	t.Setenv("TRN_REPLAY_PORT", "27027")
	t.Setenv("TRN_REPLAY_TIMEOUT", "2s")
	t.Setenv("TRN_REPLAY_RATE", "4")

	opts, err := ParseEnv()
	require.NoError(t, err)
	assert.Equal(t, "/data/missions/2017-07-03", opts.LogDir)
	assert.Equal(t, 27027, opts.Port)
	assert.Equal(t, 2*time.Second, opts.Timeout)
	assert.Equal(t, 4.0, opts.Rate)
	assert.Equal(t, "trn_replay.db", opts.DBPath)
}

func TestParseEnv_BadValue(t *testing.T) {
	t.Setenv("TRN_REPLAY_PORT", "not-a-port")
	_, err := ParseEnv()
	assert.Error(t, err)
}

func TestRunOptions_AttributePath(t *testing.T) {
	opts := RunOptions{LogDir: "/logs"}
	assert.Equal(t, filepath.Join("/logs", DefaultConfigName), opts.AttributePath())

	opts.ConfigFile = "/etc/trn/replay.cfg"
	assert.Equal(t, "/etc/trn/replay.cfg", opts.AttributePath())
}

func TestRunOptions_Validate(t *testing.T) {
	assert.Error(t, RunOptions{}.Validate())
	assert.Error(t, RunOptions{LogDir: "x", Timeout: time.Second, Rate: -1}.Validate())
	assert.Error(t, RunOptions{LogDir: "x"}.Validate())
	assert.NoError(t, RunOptions{LogDir: "x", Timeout: time.Second}.Validate())
}
