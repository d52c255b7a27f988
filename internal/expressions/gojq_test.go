package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/pkg/schema"
)

func TestGoJQEngine_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		data map[string]any
		want any
	}{
		{
			name: "field pluck",
			expr: `.customerId`,
			data: map[string]any{"customerId": "CUST-1"},
			want: "CUST-1",
		},
		{
			name: "missing field is nil",
			expr: `.missing`,
			data: map[string]any{},
			want: nil,
		},
		{
			name: "nested pluck",
			expr: `.customerData.segment`,
			data: map[string]any{"customerData": map[string]any{"segment": "SME"}},
			want: "SME",
		},
		{
			name: "integers normalize to float64",
			expr: `.requestedAmount * 2`,
			data: map[string]any{"requestedAmount": 100},
			want: 200.0,
		},
		{
			name: "alternative operator",
			expr: `.quoteAmount // .requestedAmount`,
			data: map[string]any{"requestedAmount": 500.0},
			want: 500.0,
		},
		{
			name: "object construction",
			expr: `{id: .customerId, amount: .requestedAmount}`,
			data: map[string]any{"customerId": "C", "requestedAmount": 1.0},
			want: map[string]any{"id": "C", "amount": 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGoJQEngine_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), `.items[]`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)
}

func TestGoJQEngine_ParseErrorIsValidation(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[unclosed`, map[string]any{})
	var obErr *schema.OnboardError
	require.ErrorAs(t, err, &obErr)
	assert.Equal(t, schema.ErrCodeValidation, obErr.Code)
}

func TestGoJQEngine_EnvAccessIsBlocked(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), `$ENV`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, got)
}

func TestGoJQEngine_EmptyExpression(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	var obErr *schema.OnboardError
	require.ErrorAs(t, err, &obErr)
	assert.Equal(t, schema.ErrCodeValidation, obErr.Code)
}
