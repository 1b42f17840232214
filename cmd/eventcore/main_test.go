package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0, len(root.Commands()))
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}

	assert.ElementsMatch(t, []string{"serve", "migrate"}, names)
	require.NotNil(t, root.RunE)

	root.SetArgs([]string{"serve", "unexpected"})
	require.Error(t, root.Execute())
}
