package configure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFlagName(t *testing.T) {
	assert.Equal(t, "--max-model-len", NormalizeFlagName("max_model_len"))
	assert.Equal(t, "--max-model-len", NormalizeFlagName("--max-model-len"))
	assert.Equal(t, "--max-model-len", NormalizeFlagName(" max-model-len "))
	assert.Equal(t, "", NormalizeFlagName("--"))
}

func TestParseEngineFlags(t *testing.T) {
	flags, err := ParseEngineFlags(map[string]interface{}{
		"max_model_len":          8192,
		"gpu_memory_utilization": 0.95,
		"enforce_eager":          true,
		"enable_prefix_caching":  nil,
		"dtype":                  "bfloat16",
		"seed":                   int64(7),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--dtype=bfloat16",
		"--enable-prefix-caching",
		"--enforce-eager",
		"--gpu-memory-utilization=0.95",
		"--max-model-len=8192",
		"--seed=7",
	}, flags.Args())
}

func TestParseEngineFlags_Invalid(t *testing.T) {
	_, err := ParseEngineFlags(map[string]interface{}{"enforce_eager": false})
	assert.ErrorIs(t, err, ErrInvalidFlag)
	_, err = ParseEngineFlags(map[string]interface{}{"a": []interface{}{1}})
	assert.ErrorIs(t, err, ErrInvalidFlag)
	_, err = ParseEngineFlags(map[string]interface{}{"max_model_len": 1, "--max-model-len": 2})
	assert.ErrorIs(t, err, ErrInvalidFlag)
}

func TestParseFlagList(t *testing.T) {
	flags, err := ParseFlagList("--max-model-len=8192, --enable-prefix-caching,max_num_seqs 64")
	require.NoError(t, err)
	assert.Equal(t, FlagValue{Key: "--max-model-len", Value: "8192"}, flags["--max-model-len"])
	assert.Equal(t, FlagSwitch{Key: "--enable-prefix-caching"}, flags["--enable-prefix-caching"])
	assert.Equal(t, FlagValue{Key: "--max-num-seqs", Value: "64"}, flags["--max-num-seqs"])

	_, err = ParseFlagList("--max-model-len=")
	assert.ErrorIs(t, err, ErrInvalidFlag)
}

func TestEngineFlags_Merge(t *testing.T) {
	profile := EngineFlags{
		"--max-model-len":         FlagValue{Key: "--max-model-len", Value: "131072"},
		"--enable-prefix-caching": FlagSwitch{Key: "--enable-prefix-caching"},
	}
	user := EngineFlags{
		"--max-model-len": FlagValue{Key: "--max-model-len", Value: "8192"},
		"--enforce-eager": FlagSwitch{Key: "--enforce-eager"},
	}
	merged := profile.Merge(user)
	assert.Len(t, merged, 3)
	assert.Equal(t, FlagValue{Key: "--max-model-len", Value: "8192"}, merged["--max-model-len"])
	assert.True(t, merged.Has("enable_prefix_caching"))
	assert.True(t, merged.Has("--enforce-eager"))
	// inputs are untouched
	assert.Len(t, profile, 2)
	v, ok := profile.Value("max-model-len")
	assert.True(t, ok)
	assert.Equal(t, "131072", v)
}
