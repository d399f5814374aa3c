package main

import (
	"encoding/json"
	"fmt"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/itchyny/gojq"
)

// jqFilter holds compiled --must-jq expressions. A value matches when every
// expression yields a truthy first result. An empty filter matches everything.
type jqFilter []*gojq.Code

func compileFilters(exprs []string) (jqFilter, error) {
	f := make(jqFilter, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		f[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return f, nil
}

// MatchJSON decodes raw and tests it against every expression.
func (f jqFilter) MatchJSON(raw []byte) bool {
	if len(f) == 0 {
		return true
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return f.match(v)
}

// Match tests a Go value through its JSON encoding.
func (f jqFilter) Match(v interface{}) (bool, error) {
	if len(f) == 0 {
		return true, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value for jq: %w", err)
	}
	return f.MatchJSON(raw), nil
}

// Transactions keeps the transactions that match, in order.
func (f jqFilter) Transactions(txs []ledger.Transaction) ([]ledger.Transaction, error) {
	if len(f) == 0 {
		return txs, nil
	}
	kept := make([]ledger.Transaction, 0, len(txs))
	for _, tx := range txs {
		ok, err := f.Match(tx)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, tx)
		}
	}
	return kept, nil
}

func (f jqFilter) match(v interface{}) bool {
	for _, code := range f {
		iter := code.Run(v)
		result, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := result.(error); isErr {
			return false
		}
		if !isTruthy(result) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
