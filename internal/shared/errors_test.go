package shared_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/shared"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		context  string
		expected string
	}{
		{name: "simple error", err: errors.New("original"), context: "wrapper", expected: "wrapper: original"},
		{name: "empty context", err: errors.New("original"), context: "", expected: "original"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shared.Wrap(tt.err, tt.context)
			require.NotNil(t, result)
			assert.Equal(t, tt.expected, result.Error())
			assert.ErrorIs(t, result, tt.err)
		})
	}

	assert.Nil(t, shared.Wrap(nil, "ctx"))
	assert.Nil(t, shared.Wrapf(nil, "ctx %d", 1))
	assert.Equal(t, "load job 7: boom", shared.Wrapf(errors.New("boom"), "load job %d", 7).Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want shared.Kind
	}{
		{"nil", nil, shared.KindUnknown},
		{"plain", errors.New("x"), shared.KindUnknown},
		{"not found", shared.ErrNotFound, shared.KindNotFound},
		{"wrapped validation", fmt.Errorf("create: %w", shared.ErrValidation), shared.KindValidation},
		{"conflict", shared.ErrConflict, shared.KindConflict},
		{"execution", shared.ErrExecution, shared.KindExecution},
		{"dependency", shared.ErrDependencyFailure, shared.KindDependencyFailure},
		{"internal", shared.ErrInternal, shared.KindInternal},
		{"deadline", context.DeadlineExceeded, shared.KindTimeout},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), shared.KindCanceled},
		{"joined picks priority", errors.Join(shared.ErrInternal, shared.ErrNotFound), shared.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shared.KindOf(tt.err))
		})
	}
}

func TestMarkKind(t *testing.T) {
	base := sql.ErrNoRows
	marked := shared.MarkKind(base, shared.KindNotFound)

	assert.True(t, shared.IsNotFound(marked))
	assert.ErrorIs(t, marked, sql.ErrNoRows)
	assert.Same(t, marked, shared.MarkKind(marked, shared.KindNotFound), "marking twice must not rewrap")

	assert.Equal(t, shared.ErrConflict, shared.MarkKind(nil, shared.KindConflict))
	assert.Equal(t, base, shared.MarkKind(base, shared.KindUnknown))
	assert.Equal(t, base, shared.MarkKind(base, shared.KindCanceled))
}

func TestNewf(t *testing.T) {
	err := shared.Newf(shared.KindValidation, "job %q already exists", "nightly")

	assert.Equal(t, `job "nightly" already exists`, err.Error())
	assert.True(t, shared.IsValidation(err))
	assert.True(t, shared.HasKind(err, shared.KindValidation))

	wrapped := shared.Wrap(err, "create job")
	assert.Equal(t, shared.KindValidation, shared.KindOf(wrapped))

	plain := shared.Newf(shared.KindUnknown, "odd")
	assert.Equal(t, shared.KindUnknown, shared.KindOf(plain))
}

func TestIsCallerFacing(t *testing.T) {
	assert.True(t, shared.IsCallerFacing(shared.Newf(shared.KindNotFound, "missing")))
	assert.True(t, shared.IsCallerFacing(shared.ErrValidation))
	assert.True(t, shared.IsCallerFacing(shared.ErrConflict))
	assert.False(t, shared.IsCallerFacing(shared.MarkKind(errors.New("disk I/O"), shared.KindDependencyFailure)))
	assert.False(t, shared.IsCallerFacing(errors.New("raw")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Execution", shared.KindExecution.String())
	assert.Equal(t, "Canceled", shared.KindCanceled.String())
	assert.Equal(t, "Unknown", shared.Kind(99).String())
}
