package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRootCommands(t *testing.T) {
	root := buildRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "serve", "restore", "status", "kill"}, names)
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "scriptvisor.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestRunCommandStreamsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	dir := t.TempDir()
	interp := filepath.Join(dir, "interp.sh")
	require.NoError(t, os.WriteFile(interp, []byte("#!/bin/sh\necho \"ran $2\"\n"), 0o755))
	script := filepath.Join(dir, "hello.au3")
	require.NoError(t, os.WriteFile(script, []byte("; script\n"), 0o644))

	cfg := writeConfig(t, "aiPath = \""+interp+"\"\n"+
		"[sink]\nkind = \"console\"\n"+
		"[hotkey]\npath = \""+filepath.Join(dir, "hk")+"\"\nlockDir = \""+dir+"\"\n")

	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfg, "run", script})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "Starting process #1")
	assert.Contains(t, out.String(), "ran "+script)
	assert.Contains(t, out.String(), "->Exit code 0")
}

func TestRunCommandReportsFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	dir := t.TempDir()
	interp := filepath.Join(dir, "interp.sh")
	require.NoError(t, os.WriteFile(interp, []byte("#!/bin/sh\nexit 3\n"), 0o755))
	script := filepath.Join(dir, "fail.au3")
	require.NoError(t, os.WriteFile(script, nil, 0o644))
	cfg := writeConfig(t, "aiPath = \""+interp+"\"\n[sink]\nkind = \"none\"\n[hotkey]\npath = \""+filepath.Join(dir, "hk")+"\"\nlockDir = \""+dir+"\"\n")

	root := buildRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfg, "run", script})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")
}

func TestRestoreCommandRequiresStateDB(t *testing.T) {
	cfg := writeConfig(t, "")
	root := buildRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfg, "restore"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stateDB")
}

func TestRestoreCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, "[hotkey]\nstateDB = \""+filepath.Join(dir, "state.db")+"\"\n")
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfg, "restore"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "restored 0 hotkey file(s)\n", out.String())
}

func TestStatusUnreachable(t *testing.T) {
	root := buildRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"status", "--api-url", "http://127.0.0.1:1", "--api-timeout", "200ms"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestKillRejectsBadHandle(t *testing.T) {
	root := buildRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"kill", "abc"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid handle")
}
