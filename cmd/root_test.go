package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"collect", "params", "runs", "catalog"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "citystats", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestCollectCommand_Flags(t *testing.T) {
	for _, name := range []string{"top-n", "min-population", "workers", "snapshot-every", "output", "format", "indicators", "required", "gap-fill", "loader", "bbox"} {
		require.NotNil(t, collectCmd.Flags().Lookup(name), "collect command should have --%s flag", name)
	}
}

func TestParamsCommand_Flags(t *testing.T) {
	flag := paramsCmd.Flags().Lookup("input")
	require.NotNil(t, flag)
	assert.Equal(t, "data/cities.json", flag.DefValue)

	flag = paramsCmd.Flags().Lookup("output")
	require.NotNil(t, flag)
	assert.Equal(t, "data/params.json", flag.DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["show"])

	flag := runsListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
}
