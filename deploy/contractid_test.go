package deploy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/errors"
)

// A plausible strkey contract address: C prefix, 56 base32 characters.
const sampleContractID = "CACDYF3CYMJEJTIVFESQYZTN67GO2R5D5IUABTCUG3HXQSRXCSOR67AB"

func TestExtractContractID(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{
			name:   "bare address line",
			output: "ℹ️  Simulating deploy transaction\n" + sampleContractID + "\n",
		},
		{
			name:   "bare address line with surrounding whitespace",
			output: "   " + sampleContractID + "   \n",
		},
		{
			name:   "labelled contract id",
			output: "Transaction hash is abc123\nContract ID: " + sampleContractID + "\nDone\n",
		},
		{
			name:   "key value fragment",
			output: "result { id: " + sampleContractID + ", status: SUCCESS }",
		},
		{
			name:   "json field",
			output: `{"id": "` + sampleContractID + `", "fee": 100}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ExtractContractID(tt.output)
			require.NoError(t, err)
			assert.Equal(t, sampleContractID, id)
		})
	}
}

func TestExtractContractIDNotFound(t *testing.T) {
	outputs := []string{
		"",
		"error: transaction simulation failed",
		// Starts with C and is long enough, but is prose, not an address.
		"Compiling contract workspace with optimizations enabled for release target",
	}

	for _, output := range outputs {
		_, err := ExtractContractID(output)
		require.Error(t, err, "output %q", output)
		assert.True(t, errors.Is(err, errors.ErrContractIDNotFound))
	}
}

func TestExtractContractIDFirstMatchWins(t *testing.T) {
	other := "CBQHNAXSI55GX2GN6D67GK7BHVPSLJUGZQEU7WJ5LKR5PNUCGLIMAO4K"
	output := sampleContractID + "\nContract ID: " + other + "\n"

	id, err := ExtractContractID(output)
	require.NoError(t, err)
	assert.Equal(t, sampleContractID, id, "the bare-line heuristic runs before the labelled one")
}

func TestParseWasmHash(t *testing.T) {
	hash := strings.Repeat("ab12", 16)
	out := "Uploading contract\nwasm hash: " + hash + "\n"

	got, err := ParseWasmHash(out)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	_, err = ParseWasmHash("no hash in here")
	assert.Error(t, err)

	// Uppercase hex is not accepted.
	_, err = ParseWasmHash(strings.Repeat("AB12", 16))
	assert.Error(t, err)
}
