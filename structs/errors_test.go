// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shoenig/test/must"
)

var errOpaque = errors.New("something the executor did")

func contextDeadline() error {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()
	return ctx.Err()
}

func contextCancelled() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx.Err()
}

func TestTaskError_Unwrap(t *testing.T) {
	inner := errors.New("disk full")
	te := WrapError(ErrKindStateIO, fmt.Errorf("writing record: %w", inner))

	must.True(t, errors.Is(te, inner))
	must.Eq(t, ErrKindStateIO, KindOf(te))
	must.StrContains(t, te.Error(), "state_io")
	must.StrContains(t, te.Error(), "disk full")
}

func TestKindOf_WrappedSentinels(t *testing.T) {
	err := fmt.Errorf("admitting: %w", ErrDuplicateTask)
	must.Eq(t, ErrKindDuplicate, KindOf(err))

	err = fmt.Errorf("reserving: %w", ErrInsufficientResources)
	must.Eq(t, ErrKindInsufficient, KindOf(err))

	must.Eq(t, ErrorKind(""), KindOf(nil))
}
