package replacer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplacer_Replace(t *testing.T) {
	r := NewReplacer("/home/alice", "alice")
	assert.Equal(t, "/home/alice/.hpc-infer-logs", r.Replace("${home}/.hpc-infer-logs"))
	assert.Equal(t, "/scratch/alice/llm", r.Replace("/scratch/${user}/llm"))
	assert.Equal(t, "/home/alice/logs", r.Replace("~/logs"))
	assert.Equal(t, "/data/~/x", r.Replace("/data/~/x"))
	// model placeholders are kept until a model is known
	assert.Equal(t, "/home/alice/${model_family}", r.Replace("${home}/${model_family}"))
}

func TestReplacer_WithModel(t *testing.T) {
	base := NewReplacer("/home/alice", "alice")
	r := base.WithModel("Meta-Llama-3.1-8B-Instruct", "Meta-Llama-3.1")
	assert.Equal(t,
		"/home/alice/Meta-Llama-3.1/Meta-Llama-3.1-8B-Instruct",
		r.Replace("${home}/${model_family}/${model_name}"),
	)
	assert.Equal(t, "${model_name}", base.Replace("${model_name}"))
}
