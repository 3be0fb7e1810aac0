package vmerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with vm and cause",
			err:  E(KindInvalidState, "start vm", "vm-a", errors.New("domain is paused")),
			want: "start vm vm-a: invalid_state: domain is paused",
		},
		{
			name: "without vm",
			err:  E(KindConnectionFailed, "connect libvirt", "", errors.New("dial unix: refused")),
			want: "connect libvirt: connection_failed: dial unix: refused",
		},
		{
			name: "without cause",
			err:  E(KindResourceExhausted, "allocate port", "vm-b", nil),
			want: "allocate port vm-b: resource_exhausted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOfWalksWrapChain(t *testing.T) {
	inner := E(KindConfigurationError, "validate config", "vm-a", errors.New("vcpus must be >= 1"))
	wrapped := fmt.Errorf("deploy vm-a: %w", inner)

	require.Equal(t, KindConfigurationError, KindOf(wrapped))
	require.True(t, Is(wrapped, KindConfigurationError))
	require.False(t, Is(wrapped, KindInvalidState))
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestFromLibvirtClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindOperationTimeout},
		{"permission", errors.New("internal error: Permission denied"), KindPermissionDenied},
		{"refused", errors.New("dial unix /var/run/libvirt/libvirt-sock: connect: connection refused"), KindConnectionFailed},
		{"timed out", errors.New("operation timed out: migration job"), KindOperationTimeout},
		{"other", errors.New("unsupported configuration"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromLibvirt("op", "vm-a", tt.err)
			require.Equal(t, tt.want, got.Kind)
			require.ErrorIs(t, got, tt.err)
		})
	}
	require.Nil(t, FromLibvirt("op", "vm-a", nil))
}
