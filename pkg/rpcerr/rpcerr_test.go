package rpcerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	e := New(KindTimeout, "waited %dms", 500)
	assert.Equal(t, "Timeout: waited 500ms", e.Error())
}

func TestIsMatchesByKindOnly(t *testing.T) {
	e := New(KindTimeout, "waited 500ms")
	assert.True(t, errors.Is(e, ErrTimeout))
	assert.False(t, errors.Is(e, ErrShutdown))
}

func TestWrapPassesThroughRPCErr(t *testing.T) {
	original := New(KindBadProcedure, "no such procedure")
	assert.Same(t, original, Wrap(original))
}

func TestWrapUnwrapsOneLayer(t *testing.T) {
	inner := New(KindNoRoute, "no route to peer")
	wrapped := fmt.Errorf("invocation failed: %w", inner)

	got := Wrap(wrapped)
	assert.Same(t, inner, got)
}

func TestWrapOrdinaryErrorBecomesApplicationKind(t *testing.T) {
	got := Wrap(errors.New("boom"))
	assert.Equal(t, KindApplication, got.Kind)
	assert.Equal(t, "boom", got.Message)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Timeout", KindTimeout.String())
	assert.Equal(t, "None", KindNone.String())
}
