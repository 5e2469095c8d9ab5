package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/almapipo/internal/domain/model"
)

func TestParseVerb(t *testing.T) {
	v, err := model.ParseVerb("put")
	require.NoError(t, err)
	assert.Equal(t, model.VerbPut, v)

	v, err = model.ParseVerb(" GET ")
	require.NoError(t, err)
	assert.Equal(t, model.VerbGet, v)

	_, err = model.ParseVerb("PATCH")
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := model.ParseMode("Replace")
	require.NoError(t, err)
	assert.Equal(t, model.ModeReplace, m)

	_, err = model.ParseMode("insert")
	assert.Error(t, err)
}

func TestWorkItemCompoundID(t *testing.T) {
	item := model.WorkItem{Identifiers: []string{"991", "221", "231"}}
	assert.Equal(t, "991,221,231", item.CompoundID())
	assert.Equal(t, "231", item.RecordID())
}

func TestWorkItemIsValid(t *testing.T) {
	assert.True(t, model.WorkItem{Identifiers: []string{"991"}}.IsValid())
	assert.False(t, model.WorkItem{}.IsValid())
	assert.False(t, model.WorkItem{Identifiers: []string{"991", ""}}.IsValid())
}

func TestAttemptStatusIsResolved(t *testing.T) {
	assert.False(t, model.StatusPending.IsResolved())
	assert.True(t, model.StatusSuccess.IsResolved())
	assert.True(t, model.StatusFailure.IsResolved())
}

func TestNewJobRun(t *testing.T) {
	a := model.NewJobRun()
	b := model.NewJobRun()
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.StartedAt.IsZero())
}
