package interceptors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilters(t *testing.T) {
	headers := map[string]any{"tenant": "a", "priority": 5}

	tests := []struct {
		name   string
		filter Filter[string]
		want   bool
	}{
		{"header equals", HeaderEquals[string](map[string]string{"tenant": "a"}), true},
		{"header equals non string", HeaderEquals[string](map[string]string{"priority": "5"}), true},
		{"header differs", HeaderEquals[string](map[string]string{"tenant": "b"}), false},
		{"header missing", HeaderEquals[string](map[string]string{"region": "eu"}), false},
		{"has header", HasHeader[string]("priority"), true},
		{"all", All(HasHeader[string]("tenant"), HasHeader[string]("priority")), true},
		{"all fails", All(HasHeader[string]("tenant"), HasHeader[string]("region")), false},
		{"any", Any(HasHeader[string]("region"), HasHeader[string]("tenant")), true},
		{"any fails", Any(HasHeader[string]("region")), false},
		{"not", Not(HasHeader[string]("region")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter(headers, ""))
		})
	}
}

func TestFilteringInterceptor(t *testing.T) {
	reject := Filter[string](func(map[string]any, string) bool { return false })

	t.Run("passes matching deliveries", func(t *testing.T) {
		called := false
		handler := NewChain[string](NewFilteringInterceptor(HasHeader[string]("k"), SkipSilently, nil)).
			Then(func(context.Context, map[string]any, string) error {
				called = true
				return nil
			})
		assert.NoError(t, handler(context.Background(), map[string]any{"k": 1}, ""))
		assert.True(t, called)
	})

	for _, behavior := range []SkipBehavior{SkipSilently, SkipWithLog} {
		t.Run("skips without error", func(t *testing.T) {
			handler := NewChain[string](NewFilteringInterceptor(reject, behavior, nil)).
				Then(func(context.Context, map[string]any, string) error {
					t.Fatal("handler must not run")
					return nil
				})
			assert.NoError(t, handler(context.Background(), nil, ""))
		})
	}

	t.Run("skips with error", func(t *testing.T) {
		handler := NewChain[string](NewFilteringInterceptor(reject, SkipWithError, nil)).
			Then(func(context.Context, map[string]any, string) error { return nil })
		assert.ErrorIs(t, handler(context.Background(), nil, ""), ErrFiltered)
	})
}
