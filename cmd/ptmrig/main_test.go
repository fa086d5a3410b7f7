package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paleobytes/ptmrig/capture"
)

func TestLightArgsAreOneBased(t *testing.T) {
	is, err := lightArgs([]string{"1", "50", "7"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 49, 6}, is)

	_, err = lightArgs([]string{"seven"})
	assert.Error(t, err)

	for _, bad := range []string{"0", "-1", "-7"} {
		_, err = lightArgs([]string{"3", bad})
		assert.ErrorIs(t, err, capture.ErrIndexOutOfRange, bad)
	}
}

func TestCommandsAreRegistered(t *testing.T) {
	want := []string{"run", "capture", "resume", "retake", "testshot", "import", "fit",
		"include", "records", "positions", "mkconf", "conf", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
