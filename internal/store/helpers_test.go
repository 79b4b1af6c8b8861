package store

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

var pqUniqueErr = pq.Error{Code: "23505"}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pqUniqueErr))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(assert.AnError))
	assert.False(t, isUniqueViolation(nil))
}
