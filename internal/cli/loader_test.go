package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tarn/internal/engine"
	"github.com/roach88/tarn/internal/ir"
)

func TestLoadProgram(t *testing.T) {
	p, err := LoadProgram(closureProgram)
	require.NoError(t, err)
	assert.Len(t, p.Views, 3)
	assert.Len(t, p.Data, 1)
}

func TestLoadProgramDataOnly(t *testing.T) {
	path := writeFile(t, "data.cue", `data: schema: [["extra"]]`)
	p, err := LoadProgram(path)
	require.NoError(t, err)
	assert.Empty(t, p.Views)
	assert.Len(t, p.Data, 1)
}

func TestLoadProgramDirectory(t *testing.T) {
	src, err := os.ReadFile(closureProgram)
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "closure.cue"), src, 0o644))

	out, err := execute(t, NewQueryCommand(textOpts()), "path", "--program", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "path(from, to): 3 row(s)")
}

func TestLoadProgramErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		code    string
		message string
	}{
		{
			name:    "not found",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "x.cue") },
			code:    ErrCodeNotFound,
			message: "program not found",
		},
		{
			name:    "empty",
			path:    func(t *testing.T) string { return writeFile(t, "e.cue", "") },
			code:    ErrCodeNoViews,
			message: "no views declared",
		},
		{
			name: "missing kind",
			path: func(t *testing.T) string {
				return writeFile(t, "k.cue", `view: edge: {fields: ["a"]}`)
			},
			code: ErrCodeLoadFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadProgram(tt.path(t))
			require.Error(t, err)

			var loadErr *LoadError
			require.True(t, errors.As(err, &loadErr), "got %T", err)
			assert.Equal(t, tt.code, loadErr.Code)
			assert.Contains(t, loadErr.Message, tt.message)
		})
	}
}

func TestLoadErrorParts(t *testing.T) {
	code, msg := loadErrorParts(&LoadError{Code: ErrCodeCompile, Message: "bad"})
	assert.Equal(t, ErrCodeCompile, code)
	assert.Equal(t, "bad", msg)

	code, msg = loadErrorParts(errors.New("plain"))
	assert.Equal(t, ErrCodeGeneric, code)
	assert.Equal(t, "plain", msg)
}

func TestLoadErrorString(t *testing.T) {
	err := &LoadError{Code: ErrCodeNotFound, Message: "program not found: x.cue"}
	assert.Equal(t, "E005: program not found: x.cue", err.Error())
}

func TestEngineSourceWithoutDatabase(t *testing.T) {
	st, err := engineSource{}.openStore()
	require.NoError(t, err)
	assert.Nil(t, st)

	eng, cleanup, err := engineSource{ProgramPath: closureProgram}.open(context.Background())
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, int64(0), eng.Seq())
}

func TestEngineSourceCreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tarn.db")

	_, _, err := engineSource{Database: dbPath}.open(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	eng, cleanup, err := engineSource{Database: dbPath, Create: true}.open(context.Background())
	require.NoError(t, err)
	defer cleanup()

	_, statErr := os.Stat(dbPath)
	assert.NoError(t, statErr)

	_, err = eng.Apply(context.Background(), ir.Event{Session: "s", Commands: [][]string{{"rewind"}}})
	re, ok := asRuntimeError(err)
	require.True(t, ok)
	assert.Equal(t, engine.ErrCodeInvalidCommand, re.Code)
	assert.Equal(t, int64(1), re.Seq)
}
