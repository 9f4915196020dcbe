package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitArgs(t *testing.T) {
	cmd := `--beam_size 5 --initial_prompt "simplified chinese" --vad`
	expected := []string{"--beam_size", "5", "--initial_prompt", "simplified chinese", "--vad"}

	args, err := SplitArgs(cmd)
	assert.NoError(t, err)
	assert.Equal(t, expected, args)

	_, err = SplitArgs(`--prompt "unterminated`)
	assert.Error(t, err)
}

func TestSanitizeArgs(t *testing.T) {
	t.Run("Valid args", func(t *testing.T) {
		args, _ := SplitArgs(`--beam_size 5 --vad`)
		assert.NoError(t, SanitizeArgs(args, "--language", "--format"))
	})

	t.Run("Reserved flag", func(t *testing.T) {
		args, _ := SplitArgs(`--format=srt`)
		err := SanitizeArgs(args, "--language", "--format")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "--format is managed by the server")
	})

	t.Run("Disallowed character (semicolon)", func(t *testing.T) {
		args, _ := SplitArgs(`--vad; ls`)
		err := SanitizeArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: --vad;")
	})

	t.Run("Disallowed character (dollar)", func(t *testing.T) {
		args, _ := SplitArgs(`--prompt "$(($RANDOM))"`)
		err := SanitizeArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: $(($RANDOM))")
	})
}

func TestExtraArgs(t *testing.T) {
	args, err := ExtraArgs("  ")
	assert.NoError(t, err)
	assert.Nil(t, args)

	args, err = ExtraArgs("--beam_size 3", "--language")
	assert.NoError(t, err)
	assert.Equal(t, []string{"--beam_size", "3"}, args)
}
