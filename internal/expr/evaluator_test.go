package expr

import (
	"testing"
)

func TestEvaluator_Evaluate(t *testing.T) {
	eval := NewEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]any
		want       any
		wantErr    bool
	}{
		{
			name:       "simple arithmetic",
			expression: "1 + 2",
			env:        map[string]any{},
			want:       3,
		},
		{
			name:       "comparison",
			expression: "score > 0.8",
			env:        map[string]any{"score": 0.9},
			want:       true,
		},
		{
			name:       "nested map access",
			expression: "out.label",
			env:        map[string]any{"out": map[string]any{"label": "ok"}},
			want:       "ok",
		},
		{
			name:       "undefined variable is nil",
			expression: "missing == nil",
			env:        map[string]any{},
			want:       true,
		},
		{
			name:       "invalid expression",
			expression: "invalid syntax !!!",
			env:        map[string]any{},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.expression, tt.env)
			if (err != nil) != tt.wantErr {
				t.Errorf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Evaluate() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestEvaluator_EvaluateBool(t *testing.T) {
	eval := NewEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]any
		want       bool
	}{
		{"true condition", "x > 5", map[string]any{"x": 10}, true},
		{"false condition", "x > 5", map[string]any{"x": 3}, false},
		{"int falsy", "count", map[string]any{"count": 0}, false},
		{"string truthy", "name", map[string]any{"name": "a"}, true},
		{"nil value", "value", map[string]any{"value": nil}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluateBool(tt.expression, tt.env)
			if err != nil {
				t.Fatalf("EvaluateBool() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("EvaluateBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluator_Caching(t *testing.T) {
	eval := NewEvaluator()

	if _, err := eval.Evaluate("x + 1", map[string]any{"x": 5}); err != nil {
		t.Fatalf("first evaluation failed: %v", err)
	}
	got, err := eval.Evaluate("x + 1", map[string]any{"x": 10})
	if err != nil {
		t.Fatalf("second evaluation failed: %v", err)
	}
	if got != 11 {
		t.Errorf("second result = %v, want 11", got)
	}

	eval.mu.RLock()
	_, cached := eval.compiled["x + 1"]
	eval.mu.RUnlock()
	if !cached {
		t.Error("expression should be cached")
	}
}

func TestEvaluator_MaxLength(t *testing.T) {
	eval := NewEvaluator()
	eval.MaxExpressionLength = 10

	if _, err := eval.Evaluate("1 + 2", map[string]any{}); err != nil {
		t.Errorf("short expression should not error: %v", err)
	}
	if _, err := eval.Evaluate("1 + 2 + 3 + 4 + 5", map[string]any{}); err == nil {
		t.Error("long expression should error")
	}
}
