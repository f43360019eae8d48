package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDispatcherEmitRunsHandlersInOrder(t *testing.T) {
	d := NewDispatcher()
	var sequence []string
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "first:"+string(evt.Type))
		return nil
	})
	d.Register(nil)
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "second:"+evt.Reference)
		return errors.New("second handler failed")
	})

	evt := NewEvent(EventPurchaseApplied, "user-1")
	evt.Reference = "pi_123"
	err := d.Emit(context.Background(), evt)
	if err == nil || !strings.Contains(err.Error(), "second handler failed") {
		t.Fatalf("expected aggregated error, got %v", err)
	}
	if len(sequence) != 2 || sequence[0] != "first:credits.purchase.applied" || sequence[1] != "second:pi_123" {
		t.Fatalf("unexpected sequence %v", sequence)
	}
	if evt.ID == "" || evt.OccurredAt.IsZero() {
		t.Fatalf("NewEvent should stamp id and time: %+v", evt)
	}
}

func TestNilDispatcherDropsEvents(t *testing.T) {
	var d *Dispatcher
	if err := d.Emit(context.Background(), NewEvent(EventBalanceDepleted, "u")); err != nil {
		t.Fatalf("nil dispatcher Emit: %v", err)
	}
}

func TestScriptConfigValidate(t *testing.T) {
	if err := (ScriptConfig{Enabled: true}).Validate(); err == nil {
		t.Fatalf("expected error for enabled script without command")
	}
	if (ScriptConfig{}).Handler() != nil {
		t.Fatalf("disabled script should not build a handler")
	}
}

func TestScriptHandlerPipesEvent(t *testing.T) {
	handler := NewScriptHandler(ScriptConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcessScript", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HOOK_EXPECT_REFERENCE":  "pi_abc",
		},
		Timeout: 5 * time.Second,
	})
	evt := NewEvent(EventPurchaseApplied, "user-9")
	evt.Reference = "pi_abc"
	evt.Amount = "1000"
	if err := handler(context.Background(), evt); err != nil {
		t.Fatalf("script handler: %v", err)
	}

	evt.Reference = "pi_other"
	if err := handler(context.Background(), evt); err == nil {
		t.Fatalf("expected helper to reject mismatched reference")
	}
}

func TestHelperProcessScript(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		os.Exit(2)
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		os.Exit(3)
	}
	if evt.Reference != os.Getenv("HOOK_EXPECT_REFERENCE") || os.Getenv("CREDITS_EVENT_TYPE") != string(EventPurchaseApplied) {
		os.Exit(4)
	}
	os.Exit(0)
}
