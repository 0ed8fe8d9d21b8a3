package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	for _, name := range []string{"seed", "stats", "dlq"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}

	seed, _, err := root.Find([]string{"seed"})
	require.NoError(t, err)
	mode, err := seed.Flags().GetString("mode")
	require.NoError(t, err)
	assert.Equal(t, "ranked_1v1", mode)
	count, err := seed.Flags().GetInt("count")
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}
