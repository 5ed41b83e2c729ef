package hebc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oniro-graphics/bufferqueue/internal/constants"
)

func writeWhitelist(t *testing.T, dir string, content string) string {
	t.Helper()
	path := filepath.Join(dir, "hebc.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	w := Load("/nonexistent/path/hebc.json")
	assert.False(t, w.Allows("com.example.app", "lossless"))
	assert.Empty(t, w.Apps())
}

func TestLoadValidWhitelist(t *testing.T) {
	dir := t.TempDir()
	path := writeWhitelist(t, dir, `{"HEBC": {"com.example.app": ["lossless", "lossy"]}}`)

	w := Load(path)
	assert.True(t, w.Allows("com.example.app", "lossless"))
	assert.True(t, w.Allows("com.example.app", "lossy"))
	assert.False(t, w.Allows("com.example.app", "unknown"))
	assert.False(t, w.Allows("com.other.app", "lossless"))
}

func TestLoadMalformedJSONIsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := writeWhitelist(t, dir, `not json`)

	w := Load(path)
	assert.False(t, w.Allows("anything", "anything"))
}

func TestLoadOverLimitEntriesIsEmpty(t *testing.T) {
	dir := t.TempDir()
	var caps []string
	for i := 0; i < constants.MaxHebcEntries+1; i++ {
		caps = append(caps, `"cap`+itoa(i)+`"`)
	}
	content := `{"HEBC": {"com.example.app": [` + strings.Join(caps, ",") + `]}}`
	path := writeWhitelist(t, dir, content)

	w := Load(path)
	assert.False(t, w.Allows("com.example.app", "cap0"))
}

func TestDefaultIsLazyAndOverridable(t *testing.T) {
	dir := t.TempDir()
	path := writeWhitelist(t, dir, `{"HEBC": {"app": ["x"]}}`)

	SetDefaultPath(path)
	defer SetDefaultPath(DefaultPath)

	w := Default()
	assert.True(t, w.Allows("app", "x"))
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}
