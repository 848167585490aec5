package jsonutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFromCodeFence(t *testing.T) {
	t.Parallel()

	text := "Here is the result:\n```json\n{\"outcome\": \"done\"}\n```\nthanks"
	raw, err := Extract(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"outcome":"done"}`, string(raw))
}

func TestExtractBareObject(t *testing.T) {
	t.Parallel()

	raw, err := Extract(`prefix {"a": [1, 2, {"b": "}"}]} suffix`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2,{"b":"}"}]}`, string(raw))
}

func TestExtractStripsANSI(t *testing.T) {
	t.Parallel()

	raw, err := Extract("\x1b[32m{\"ok\": true}\x1b[0m")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestExtractLastPicksFinalDocument(t *testing.T) {
	t.Parallel()

	text := `first {"step": 1} then some prose and finally {"step": 2, "outcome": "done"}`
	raw, err := ExtractLast(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":2,"outcome":"done"}`, string(raw))
}

func TestExtractNoJSON(t *testing.T) {
	t.Parallel()

	_, err := Extract("no structured data here { unbalanced")
	assert.Error(t, err)
	_, err = ExtractLast("")
	assert.Error(t, err)
}

func TestExtractInto(t *testing.T) {
	t.Parallel()

	var out struct {
		Outcome string `json:"outcome"`
	}
	require.NoError(t, ExtractInto(`result: {"outcome": "blocked"}`, &out))
	assert.Equal(t, "blocked", out.Outcome)
}

func TestExtractSizeCap(t *testing.T) {
	t.Parallel()

	_, err := Extract(strings.Repeat("x", maxInputBytes+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum size")
}

func TestExtractIgnoresInvalidFenceContent(t *testing.T) {
	t.Parallel()

	text := "```json\nnot valid json\n```\n{\"fallback\": true}"
	raw, err := Extract(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fallback":true}`, string(raw))
}
