package main

import (
	"testing"

	"github.com/docopt/docopt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand(t *testing.T) {
	opts, err := docopt.ParseArgs(usage, []string{"set", "doc-1", "manifest.title", `"Paper A"`}, AgentVersion)
	require.NoError(t, err)

	assert.True(t, command(opts, "set"))
	assert.False(t, command(opts, "get"))
	assert.False(t, command(opts, "watch"))
	assert.False(t, command(opts, "discover"))
	assert.False(t, command(opts, "missing"))

	data, _ := opts.String("--data")
	assert.Equal(t, "docsync-agent.db", data)
}
