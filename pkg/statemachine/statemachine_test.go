package statemachine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/gradekit/pkg/statemachine"
)

const (
	draft     statemachine.State = "draft"
	review    statemachine.State = "review"
	published statemachine.State = "published"

	submit  statemachine.Event = "submit"
	approve statemachine.Event = "approve"
)

func definition(t *testing.T, opts ...statemachine.TransitionOption) *statemachine.Definition {
	t.Helper()
	d, err := statemachine.NewBuilder(draft).
		Permit(draft, submit, review).
		Permit(review, approve, published, opts...).
		Terminal(published).
		Build()
	require.NoError(t, err)
	return d
}

func TestMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("walks transitions and records history", func(t *testing.T) {
		t.Parallel()
		m := definition(t).Start()
		require.NoError(t, m.Fire(ctx, submit, nil))
		require.NoError(t, m.Fire(ctx, approve, nil))

		assert.Equal(t, published, m.Current())
		assert.True(t, m.Done())
		assert.Equal(t, []statemachine.State{draft, review, published}, m.History())
	})

	t.Run("machines do not share state", func(t *testing.T) {
		t.Parallel()
		d := definition(t)
		a, b := d.Start(), d.Start()
		require.NoError(t, a.Fire(ctx, submit, nil))
		assert.Equal(t, review, a.Current())
		assert.Equal(t, draft, b.Current())
	})

	t.Run("unknown event", func(t *testing.T) {
		t.Parallel()
		m := definition(t).Start()
		err := m.Fire(ctx, approve, nil)
		assert.True(t, statemachine.IsNoTransition(err))
		assert.Equal(t, draft, m.Current())
	})

	t.Run("terminal state accepts nothing", func(t *testing.T) {
		t.Parallel()
		m := definition(t).Start()
		require.NoError(t, m.Fire(ctx, submit, nil))
		require.NoError(t, m.Fire(ctx, approve, nil))
		assert.False(t, m.CanFire(ctx, submit, nil))
	})

	t.Run("guard rejects", func(t *testing.T) {
		t.Parallel()
		m := definition(t, statemachine.WithGuard(func(_ context.Context, data any) bool {
			return data == "ok"
		})).Start()
		require.NoError(t, m.Fire(ctx, submit, nil))

		err := m.Fire(ctx, approve, "nope")
		assert.True(t, statemachine.IsRejected(err))
		assert.True(t, m.CanFire(ctx, approve, "ok"))
	})

	t.Run("action error keeps state", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		m := definition(t, statemachine.WithAction(func(context.Context, statemachine.State, statemachine.State, any) error {
			return boom
		})).Start()
		require.NoError(t, m.Fire(ctx, submit, nil))

		err := m.Fire(ctx, approve, nil)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, review, m.Current())
	})
}

func TestBuildValidation(t *testing.T) {
	t.Parallel()

	_, err := statemachine.NewBuilder("").Build()
	require.ErrorIs(t, err, statemachine.ErrInvalidDefinition)

	_, err = statemachine.NewBuilder(draft).
		Terminal(published).
		Permit(published, submit, draft).
		Build()
	require.ErrorIs(t, err, statemachine.ErrInvalidDefinition)

	assert.Panics(t, func() {
		statemachine.NewBuilder(draft).Permit(draft, "", review).MustBuild()
	})
}
