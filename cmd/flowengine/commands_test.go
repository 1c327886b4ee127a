package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tallybook/flowengine/core"
)

func Test_ReadDefinition(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "approval.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
initial: submitted
states:
  submitted:
    tasks:
      - name: review
        type: HUMAN
        completionEvent: APPROVE
    on:
      APPROVE: approved
  approved:
    terminal: true
`), 0o600))

	data, err := readDefinition(yamlPath)
	require.NoError(t, err)

	spec, err := core.ParseMachineSpec(data)
	require.NoError(t, err)
	require.Equal(t, "submitted", spec.Initial)
	require.Len(t, spec.States, 2)

	jsonPath := filepath.Join(dir, "approval.json")
	require.NoError(t, os.WriteFile(jsonPath, data, 0o600))

	again, err := readDefinition(jsonPath)
	require.NoError(t, err)
	require.JSONEq(t, string(data), string(again))

	_, err = readDefinition(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func Test_OpenBackend(t *testing.T) {
	_, err := openBackend("no-scheme", 0)
	require.Error(t, err)

	_, err = openBackend("oracle://db", 0)
	require.ErrorContains(t, err, "unsupported database")

	b, err := openBackend("sqlite://"+filepath.Join(t.TempDir(), "flow.db"), 0)
	require.NoError(t, err)
	require.NoError(t, b.Migrate())
	require.NoError(t, b.Close())
}
