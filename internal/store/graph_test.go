// ABOUTME: Tests for dependency validation and cycle detection
// ABOUTME: Covers direct and transitive cycles, layered diamonds, depth bounds and unknown targets

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/apperr"
)

func TestAddDependencies_RejectsTransitiveCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.send(t, CreateInput{})
	b := f.send(t, CreateInput{Dependencies: []string{a.ID}})
	c := f.send(t, CreateInput{Dependencies: []string{b.ID}})

	_, err := f.store.AddDependencies(ctx, a.ID, []string{c.ID}, "@alice")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, "cyclic_dependency", apperr.CodeOf(err))

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, a.ID, ae.Entity)
	assert.Equal(t, []string{a.ID, c.ID, b.ID, a.ID}, ae.Detail["cycle"])

	got, err := f.store.GetMessage(ctx, a.ID, DetailSummary)
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies)
}

func TestAddDependencies_DirectCycleAndSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.send(t, CreateInput{})
	b := f.send(t, CreateInput{Dependencies: []string{a.ID}})

	_, err := f.store.AddDependencies(ctx, a.ID, []string{b.ID}, "@alice")
	assert.Equal(t, "cyclic_dependency", apperr.CodeOf(err))

	_, err = f.store.AddDependencies(ctx, a.ID, []string{a.ID}, "@alice")
	assert.Equal(t, "cyclic_dependency", apperr.CodeOf(err))
}

func TestCreateMessage_RejectsDependencyOnItself(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Q-001 is the id the new message will receive.
	_, err := f.store.CreateMessage(ctx, CreateInput{
		To: []string{"@bob"}, Type: TypeQuestion, Subject: "loop", Dependencies: []string{"Q-001"},
	}, "@alice")
	assert.Equal(t, "cyclic_dependency", apperr.CodeOf(err))
	assert.Zero(t, f.count(t, "messages"))
}

func TestAddDependencies_DiamondIsNotACycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.send(t, CreateInput{})
	left := f.send(t, CreateInput{Dependencies: []string{root.ID}})
	right := f.send(t, CreateInput{Dependencies: []string{root.ID}})
	top := f.send(t, CreateInput{Dependencies: []string{left.ID, right.ID}})
	assert.Equal(t, []string{left.ID, right.ID}, top.Dependencies)

	extra := f.send(t, CreateInput{})
	got, err := f.store.AddDependencies(ctx, top.ID, []string{extra.ID, left.ID}, "@alice")
	require.NoError(t, err)
	assert.Equal(t, []string{left.ID, right.ID, extra.ID}, got.Dependencies)
}

func TestCreateMessage_LayeredDiamonds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	layer := []*Message{f.send(t, CreateInput{}), f.send(t, CreateInput{})}
	roots := layer
	for i := 0; i < 16; i++ {
		below := []string{layer[0].ID, layer[1].ID}
		layer = []*Message{
			f.send(t, CreateInput{Dependencies: below}),
			f.send(t, CreateInput{Dependencies: below}),
		}
	}

	extra := f.send(t, CreateInput{})
	_, err := f.store.AddDependencies(ctx, layer[0].ID, []string{extra.ID}, "@alice")
	require.NoError(t, err)

	_, err = f.store.AddDependencies(ctx, roots[1].ID, []string{layer[1].ID}, "@alice")
	assert.Equal(t, "cyclic_dependency", apperr.CodeOf(err))
}

func TestAddDependencies_UnknownTargetAndClosedMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.send(t, CreateInput{})
	_, err := f.store.AddDependencies(ctx, a.ID, []string{"ARCH-404"}, "@alice")
	assert.Equal(t, "unknown_dependency", apperr.CodeOf(err))

	_, err = f.store.AddDependencies(ctx, "Q-404", []string{a.ID}, "@alice")
	assert.Equal(t, "unknown_message", apperr.CodeOf(err))

	b := f.send(t, CreateInput{})
	_, err = f.store.CancelMessage(ctx, b.ID, "@alice")
	require.NoError(t, err)
	_, err = f.store.AddDependencies(ctx, b.ID, []string{a.ID}, "@alice")
	assert.Equal(t, "message_closed", apperr.CodeOf(err))
}

func TestCreateMessage_DependencyDepthBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prev := f.send(t, CreateInput{Subject: "link 1"})
	for i := 2; i <= MaxDependencyDepth+1; i++ {
		prev = f.send(t, CreateInput{Subject: fmt.Sprintf("link %d", i), Dependencies: []string{prev.ID}})
	}

	_, err := f.store.CreateMessage(ctx, CreateInput{
		To: []string{"@bob"}, Type: TypeQuestion, Subject: "too deep", Dependencies: []string{prev.ID},
	}, "@alice")
	assert.Equal(t, "dependency_depth_exceeded", apperr.CodeOf(err))
	assert.Equal(t, MaxDependencyDepth+1, f.count(t, "messages"))
}
