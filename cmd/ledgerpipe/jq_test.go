package main

import (
	"testing"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJQFilterMatching(t *testing.T) {
	tests := []struct {
		name        string
		event       string
		filters     []string
		expectMatch bool
	}{
		{
			name:        "no filters match everything",
			event:       `{"to": "ALICE"}`,
			expectMatch: true,
		},
		{
			name:        "recipient match",
			event:       `{"to": "ALICE", "amount": 10}`,
			filters:     []string{`.to == "ALICE"`},
			expectMatch: true,
		},
		{
			name:        "recipient mismatch",
			event:       `{"to": "BOB", "amount": 10}`,
			filters:     []string{`.to == "ALICE"`},
			expectMatch: false,
		},
		{
			name:        "all filters must match",
			event:       `{"to": "ALICE", "amount": 10}`,
			filters:     []string{`.to == "ALICE"`, `.amount > 50`},
			expectMatch: false,
		},
		{
			name:        "contains on data",
			event:       `{"data": "Transfer 10 tokens from GENESIS to ALICE"}`,
			filters:     []string{`.data | contains("GENESIS")`},
			expectMatch: true,
		},
		{
			name:        "null result is falsy",
			event:       `{"to": "ALICE"}`,
			filters:     []string{`.missing`},
			expectMatch: false,
		},
		{
			name:        "non-boolean result is truthy",
			event:       `{"to": "ALICE"}`,
			filters:     []string{`.to`},
			expectMatch: true,
		},
		{
			name:        "runtime error does not match",
			event:       `{"amount": 10}`,
			filters:     []string{`.amount | contains("x")`},
			expectMatch: false,
		},
		{
			name:        "invalid JSON does not match",
			event:       `not-json`,
			filters:     []string{`.to == "ALICE"`},
			expectMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := compileFilters(tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.expectMatch, filter.MatchJSON([]byte(tt.event)))
		})
	}
}

func TestCompileFilters_Invalid(t *testing.T) {
	_, err := compileFilters([]string{`.to ==`})
	assert.ErrorContains(t, err, "failed to parse jq filter")

	_, err = compileFilters([]string{`undefined_function(1)`})
	assert.ErrorContains(t, err, "failed to compile jq filter")
}

func TestJQFilter_Transactions(t *testing.T) {
	txs := []ledger.Transaction{
		{ID: "t1", From: "GENESIS", To: "ALICE", Amount: 5},
		{ID: "t2", From: "GENESIS", To: "BOB", Amount: 80},
		{ID: "t3", From: "ALICE", To: "BOB", Amount: 60},
	}

	filter, err := compileFilters([]string{`.to == "BOB"`, `.amount >= 60`})
	require.NoError(t, err)

	kept, err := filter.Transactions(txs)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "t2", kept[0].ID)
	assert.Equal(t, "t3", kept[1].ID)

	all, err := jqFilter(nil).Transactions(txs)
	require.NoError(t, err)
	assert.Equal(t, txs, all)
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy(map[string]interface{}{}))
}
