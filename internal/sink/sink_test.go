package sink

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/scriptvisor/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLinesAndPartial(t *testing.T) {
	m := NewMemory("out", 0)
	m.Append("ab")
	m.Append("c\nde")
	m.AppendLine("f")
	assert.Equal(t, []string{"abc", "def"}, m.Lines())
	assert.Equal(t, "abc\ndef\n", m.Text())

	m.Append("tail")
	assert.Equal(t, "abc\ndef\ntail", m.Text())

	m.Clear()
	assert.Empty(t, m.Text())
}

func TestMemoryHistoryCap(t *testing.T) {
	m := NewMemory("out", 2)
	for _, l := range []string{"1", "2", "3", "4"} {
		m.AppendLine(l)
	}
	assert.Equal(t, []string{"3", "4"}, m.Lines())
}

func TestMemoryDisposeDropsWrites(t *testing.T) {
	m := NewMemory("out", 0)
	m.Show(true)
	m.Dispose()
	m.AppendLine("late")
	assert.True(t, m.Disposed())
	assert.Equal(t, 1, m.Shown())
	assert.Empty(t, m.Lines())
}

func TestNop(t *testing.T) {
	assert.True(t, IsNop(Nop))
	assert.True(t, IsNop(nil))
	assert.False(t, IsNop(NewMemory("x", 0)))
	Nop.AppendLine("discarded")
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindMemory, k)
	k, err = ParseKind(" Console ")
	require.NoError(t, err)
	assert.Equal(t, KindConsole, k)
	_, err = ParseKind("pane")
	assert.Error(t, err)
}

func TestFactoryKinds(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	f := Factory{Stdout: &buf, File: logger.FileConfig{Dir: dir}, MaxHistoryLines: 5}

	g, err := f.Global("AutoIt", KindConsole)
	require.NoError(t, err)
	g.AppendLine("hello")
	assert.Equal(t, "hello\n", buf.String())

	m, err := f.PerRun(3, "/tmp/script.au3", KindMemory)
	require.NoError(t, err)
	assert.Equal(t, "script.au3 (#3)", m.(*Memory).Name())

	n, err := f.PerRun(4, "", KindNone)
	require.NoError(t, err)
	assert.True(t, IsNop(n))

	fs, err := f.PerRun(5, "/tmp/script.au3", KindFile)
	require.NoError(t, err)
	fs.AppendLine("to file")
	fs.Dispose()
	b, err := os.ReadFile(filepath.Join(dir, "script.au3_(5).log"))
	require.NoError(t, err)
	assert.Equal(t, "to file\n", string(b))
}

func TestFactoryFileRequiresDir(t *testing.T) {
	_, err := Factory{}.Global("g", KindFile)
	assert.Error(t, err)
}

func TestPerRunName(t *testing.T) {
	assert.Equal(t, "#7", PerRunName(7, ""))
	assert.Equal(t, "a.au3 (#7)", PerRunName(7, `/x/a.au3`))
}
