package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionRoundTrip(t *testing.T) {
	for _, a := range []Action{NOOP, CREATE, UPDATE, REPLACE, DELETE} {
		t.Run(a.String(), func(t *testing.T) {
			got, err := ParseAction(a.String())
			require.NoError(t, err)
			assert.Equal(t, a, got)
		})
	}

	_, err := ParseAction("EXPLODE")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		changed  []string
		forceNew []string
		want     Action
	}{
		{"nothing changed", nil, []string{"name"}, NOOP},
		{"mutable change", []string{"tier"}, []string{"name", "region"}, UPDATE},
		{"immutable change", []string{"tier", "region"}, []string{"name", "region"}, REPLACE},
		{"no force-new set", []string{"name"}, nil, UPDATE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.changed, tt.forceNew...))
		})
	}
}

func TestDiffAttributes(t *testing.T) {
	prior := map[string]any{"a": "1", "b": []any{"x"}, "c": true}
	desired := map[string]any{"a": "1", "b": []any{"y"}, "d": float64(3)}

	assert.Equal(t, []string{"b", "c", "d"}, DiffAttributes(prior, desired))
	assert.Empty(t, DiffAttributes(prior, prior))
}

func TestPlanByAttributes(t *testing.T) {
	resp, err := PlanByAttributes(&PlanRequest{DesiredConfigJSON: []byte(`{"name":"a"}`)})
	require.NoError(t, err)
	assert.Equal(t, CREATE, resp.Action)

	resp, err = PlanByAttributes(&PlanRequest{
		DesiredConfigJSON: []byte(`{"name":"b","tier":"x"}`),
		PriorInputsJSON:   []byte(`{"name":"a","tier":"x"}`),
	}, "name")
	require.NoError(t, err)
	assert.Equal(t, REPLACE, resp.Action)
	assert.Equal(t, []string{"name"}, resp.ChangedAttributes)
}

func TestConflictErrorUnwraps(t *testing.T) {
	cause := errors.New("googleapi: Error 409: already exists")
	err := error(&ConflictError{Type: "gcp:SQL.Instance", Name: "db", ID: "n8n-db", Err: cause})

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "googleapi: Error 409: already exists")
	assert.Contains(t, err.Error(), `"n8n-db"`)
}
