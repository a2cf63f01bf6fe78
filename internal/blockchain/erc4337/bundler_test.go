package erc4337

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// fakeRPCError mimics a JSON-RPC error response from the bundler
type fakeRPCError struct {
	code int
	msg  string
}

func (e *fakeRPCError) Error() string  { return e.msg }
func (e *fakeRPCError) ErrorCode() int { return e.code }

func TestClassifySubmitError(t *testing.T) {
	g := &GatewayClient{logger: zap.NewNop()}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "paymaster refusal",
			err:  &fakeRPCError{code: -32501, msg: "paymaster validation failed: AA31 paymaster deposit too low"},
			want: ErrPaymasterRejected,
		},
		{
			name: "paymaster marker anywhere in message",
			err:  &fakeRPCError{code: -32500, msg: "rejected by Paymaster policy"},
			want: ErrPaymasterRejected,
		},
		{
			name: "bundler validation failure",
			err:  &fakeRPCError{code: -32502, msg: "AA25 invalid account nonce"},
			want: ErrBundlerRejected,
		},
		{
			name: "wrapped rpc error",
			err:  fmt.Errorf("call failed: %w", &fakeRPCError{code: -32500, msg: "signature error"}),
			want: ErrBundlerRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.classifySubmitError(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classifySubmitError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifySubmitErrorTransport(t *testing.T) {
	g := &GatewayClient{logger: zap.NewNop()}

	transportErr := errors.New("dial tcp: connection refused")
	got := g.classifySubmitError(transportErr)

	if errors.Is(got, ErrPaymasterRejected) || errors.Is(got, ErrBundlerRejected) {
		t.Fatalf("classifySubmitError() classified a transport fault as a rejection: %v", got)
	}
	if !errors.Is(got, transportErr) {
		t.Errorf("classifySubmitError() lost the underlying transport error")
	}
	if !strings.Contains(got.Error(), "bundler unreachable") {
		t.Errorf("classifySubmitError() message = %q, want it to mention the bundler being unreachable", got.Error())
	}
}
