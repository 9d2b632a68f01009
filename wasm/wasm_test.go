package wasm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/errors"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr string
	}{
		{
			name:    "too short",
			raw:     []byte{0x00, 0x61, 0x73},
			wantErr: "too short",
		},
		{
			name:    "bad magic",
			raw:     append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x01, 0x00, 0x00, 0x00),
			wantErr: "bad magic",
		},
		{
			name:    "wrong version",
			raw:     append([]byte{0x00, 0x61, 0x73, 0x6D}, 0x02, 0x00, 0x00, 0x00),
			wantErr: "version",
		},
		{
			name:    "header only has no section marker",
			raw:     append([]byte{0x00, 0x61, 0x73, 0x6D}, 0x01, 0x00, 0x00, 0x00),
			wantErr: "no section marker",
		},
		{
			name: "header followed by non-section bytes",
			raw: append(
				append([]byte{0x00, 0x61, 0x73, 0x6D}, 0x01, 0x00, 0x00, 0x00),
				0xFF, 0xFE, 0xFD,
			),
			wantErr: "no section marker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.Is(err, errors.ErrInvalidWasm))
		})
	}
}

func TestValidateAcceptsRealModule(t *testing.T) {
	info, err := Validate(StubModule())
	require.NoError(t, err)
	assert.Equal(t, "0061736d", info.Magic)
	assert.Equal(t, uint32(1), info.Version)
	assert.Equal(t, len(StubModule()), info.Size)
}

func TestStubModuleCompiles(t *testing.T) {
	exports, err := Inspect(context.Background(), StubModule())
	require.NoError(t, err, "the stub artifact must be a real module, not just plausible bytes")
	assert.Empty(t, exports, "stub exports nothing")
}

func TestInspectRejectsGarbage(t *testing.T) {
	_, err := Inspect(context.Background(), []byte("not a wasm module at all"))
	assert.Error(t, err)
}

func TestInspectFindsExports(t *testing.T) {
	// Module with one exported function: (module (func (export "run")))
	mod := []byte{
		0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, // header
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section: () -> ()
		0x03, 0x02, 0x01, 0x00, // function section: one func of type 0
		0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6E, 0x00, 0x00, // export "run" func 0
		0x0A, 0x04, 0x01, 0x02, 0x00, 0x0B, // code section: empty body
	}

	exports, err := Inspect(context.Background(), mod)
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, exports)
}
