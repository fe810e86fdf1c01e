package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateLockID_Deterministic(t *testing.T) {
	a := GenerateLockID("ingest", "https://github.com/acme/demo.git")
	b := GenerateLockID("ingest", "https://github.com/acme/demo.git")
	assert.Equal(t, a, b)
}

func TestGenerateLockID_DistinguishesInputs(t *testing.T) {
	a := GenerateLockID("ingest", "repo-a")
	b := GenerateLockID("ingest", "repo-b")
	assert.NotEqual(t, a, b)

	c := GenerateLockID("cleanup", "repo-a")
	assert.NotEqual(t, a, c)
}
