package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionsCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"actions"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "RemoteStartTransaction")
	assert.Contains(t, out.String(), "expects [Unlocked]")
	assert.Contains(t, out.String(), "GetConfiguration         expects any")
}

func TestServeRejectsMissingConfigFile(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "--config", "/nonexistent/ocpp.yaml"})

	err := root.Execute()
	assert.ErrorContains(t, err, "failed to read config file")
}
