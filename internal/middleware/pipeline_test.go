package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestNormalizeInput(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want map[string]any
	}{
		{
			name: "nil becomes empty map",
			in:   nil,
			want: map[string]any{},
		},
		{
			name: "map passes through",
			in:   map[string]any{"plate": "34ABC123"},
			want: map[string]any{"plate": "34ABC123"},
		},
		{
			name: "json string is parsed",
			in:   `{"plate":"34ABC123","year":2024}`,
			want: map[string]any{"plate": "34ABC123", "year": float64(2024)},
		},
		{
			name: "raw message is parsed",
			in:   json.RawMessage(`{"a":1}`),
			want: map[string]any{"a": float64(1)},
		},
		{
			name: "unparseable string passes through raw",
			in:   "not json at all",
			want: map[string]any{RawInputKey: "not json at all"},
		},
		{
			name: "json null passes through raw",
			in:   "null",
			want: map[string]any{RawInputKey: "null"},
		},
		{
			name: "scalar passes through raw",
			in:   42,
			want: map[string]any{RawInputKey: 42},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeInput(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeInput() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestInvokeRunsHooksInOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	var order []string

	r.Register("quote", HookSet{
		Name:   "first",
		Before: func(ctx context.Context, inv *Invocation) error { order = append(order, "before-1"); return nil },
		After: func(ctx context.Context, inv *Invocation, result any) error {
			order = append(order, "after-1")
			return nil
		},
	})
	r.Register("quote", HookSet{
		Name:   "second",
		Before: func(ctx context.Context, inv *Invocation) error { order = append(order, "before-2"); return nil },
	})

	result, err := r.Invoke(context.Background(), "quote", map[string]any{"x": 1},
		func(ctx context.Context, args map[string]any) (any, error) {
			order = append(order, "call")
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want ok", result)
	}

	want := []string{"before-1", "before-2", "call", "after-1"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("hook order = %v, want %v", order, want)
	}
}

func TestInvokeBeforeHookFailureDoesNotAbort(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("quote", HookSet{
		Name:   "broken",
		Before: func(ctx context.Context, inv *Invocation) error { return errors.New("boom") },
	})
	r.Register("quote", HookSet{
		Name:   "panicky",
		Before: func(ctx context.Context, inv *Invocation) error { panic("oops") },
	})

	called := false
	result, err := r.Invoke(context.Background(), "quote", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			called = true
			return 7, nil
		})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !called {
		t.Error("tool call was skipped after failing before hooks")
	}
	if result != 7 {
		t.Errorf("result = %v, want 7", result)
	}
}

func TestInvokeFormatResponseFold(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("quote", HookSet{
		Name: "prefix",
		FormatResponse: func(ctx context.Context, inv *Invocation, current any) (any, error) {
			return "a:" + current.(string), nil
		},
	})
	r.Register("quote", HookSet{
		Name: "keeps",
		FormatResponse: func(ctx context.Context, inv *Invocation, current any) (any, error) {
			return nil, nil
		},
	})
	r.Register("quote", HookSet{
		Name: "fails",
		FormatResponse: func(ctx context.Context, inv *Invocation, current any) (any, error) {
			return nil, errors.New("format failed")
		},
	})
	r.Register("quote", HookSet{
		Name: "suffix",
		FormatResponse: func(ctx context.Context, inv *Invocation, current any) (any, error) {
			return current.(string) + ":z", nil
		},
	})

	result, err := r.Invoke(context.Background(), "quote", nil,
		func(ctx context.Context, args map[string]any) (any, error) { return "mid", nil })
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result != "a:mid:z" {
		t.Errorf("result = %v, want a:mid:z", result)
	}
}

func TestInvokeErrorPath(t *testing.T) {
	r := NewRegistry(nil, nil)
	callErr := errors.New("tool blew up")

	var sawErr error
	afterRan := false
	r.Register("quote", HookSet{
		Name: "observer",
		After: func(ctx context.Context, inv *Invocation, result any) error {
			afterRan = true
			return nil
		},
		OnError: func(ctx context.Context, inv *Invocation, err error) error {
			sawErr = err
			return errors.New("error hook itself failed")
		},
	})

	_, err := r.Invoke(context.Background(), "quote", nil,
		func(ctx context.Context, args map[string]any) (any, error) { return nil, callErr })
	if !errors.Is(err, callErr) {
		t.Errorf("Invoke() error = %v, want original %v", err, callErr)
	}
	if sawErr != callErr {
		t.Errorf("onError saw %v, want %v", sawErr, callErr)
	}
	if afterRan {
		t.Error("after hook ran on a failed call")
	}
}

func TestInvokeUnknownToolHasNoHooks(t *testing.T) {
	r := NewRegistry(nil, nil)
	result, err := r.Invoke(context.Background(), "unregistered", `{"k":"v"}`,
		func(ctx context.Context, args map[string]any) (any, error) {
			if args["k"] != "v" {
				t.Errorf("args = %v, want parsed input", args)
			}
			return "plain", nil
		})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result != "plain" {
		t.Errorf("result = %v, want plain", result)
	}
}

func TestFormatOutputFallsBackToRaw(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("quote", HookSet{
		Name: "broken",
		FormatResponse: func(ctx context.Context, inv *Invocation, current any) (any, error) {
			panic("formatter bug")
		},
	})

	out := r.FormatOutput(context.Background(), "quote", nil, "raw-output")
	if out != "raw-output" {
		t.Errorf("FormatOutput() = %v, want raw-output", out)
	}
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("a", HookSet{Name: "x"})
	r.Register("a", HookSet{Name: "y"})
	if got := r.HookCount("a"); got != 2 {
		t.Fatalf("HookCount = %d, want 2", got)
	}
	r.Reset()
	if got := r.HookCount("a"); got != 0 {
		t.Errorf("HookCount after Reset = %d, want 0", got)
	}
}
