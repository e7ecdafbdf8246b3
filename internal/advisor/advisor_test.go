package advisor

import (
	"context"
	"sync"
	"testing"
)

func TestStaticRotation(t *testing.T) {
	a := NewStatic(
		Spec{Name: "first", Confidence: 0.7},
		Spec{Name: "second", Confidence: 0.8},
	)
	ctx := context.Background()

	for i, want := range []string{"first", "second", "first"} {
		spec, err := a.ProposeExperiment(ctx, "w1", nil)
		if err != nil {
			t.Fatalf("ProposeExperiment #%d: %v", i, err)
		}
		if spec.Name != want {
			t.Errorf("proposal #%d = %s, want %s", i, spec.Name, want)
		}
	}
}

func TestStaticConcurrentProposals(t *testing.T) {
	a := NewStatic(
		Spec{Name: "first", Confidence: 0.7},
		Spec{Name: "second", Confidence: 0.8},
	)

	const goroutines, perGoroutine = 8, 50
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[string]int{}
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				spec, err := a.ProposeExperiment(context.Background(), "w1", nil)
				if err != nil {
					t.Errorf("ProposeExperiment: %v", err)
					return
				}
				mu.Lock()
				counts[spec.Name]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every increment lands exactly once, so the rotation splits evenly.
	want := goroutines * perGoroutine / 2
	if counts["first"] != want || counts["second"] != want {
		t.Errorf("rotation counts = %v, want %d each", counts, want)
	}
}

func TestStaticDefaultProposal(t *testing.T) {
	spec, err := NewStatic().ProposeExperiment(context.Background(), "w1", nil)
	if err != nil {
		t.Fatalf("ProposeExperiment: %v", err)
	}
	if spec.Name == "" || spec.Hypothesis == "" || spec.RollbackPlan == "" {
		t.Errorf("default proposal is incomplete: %+v", spec)
	}
	if spec.Confidence < 0.6 {
		t.Errorf("default proposal confidence %v would not clear the gate", spec.Confidence)
	}
}

func TestParseSpec(t *testing.T) {
	body := `{"name":"tighter-sampling","hypothesis":"h","approach":"a",` +
		`"metric_names":["cycle_time_ms"],"risk_level":"low",` +
		`"rollback_plan":"revert","confidence":0.65}`

	cases := []struct {
		name string
		text string
	}{
		{"bare json", body},
		{"fenced", "```json\n" + body + "\n```"},
		{"prefixed prose", "Here is the proposal:\n" + body},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := parseSpec(tc.text)
			if err != nil {
				t.Fatalf("parseSpec: %v", err)
			}
			if spec.Name != "tighter-sampling" || spec.Confidence != 0.65 {
				t.Errorf("spec = %+v", spec)
			}
			if len(spec.MetricNames) != 1 || spec.RiskLevel != "low" {
				t.Errorf("spec = %+v", spec)
			}
		})
	}
}

func TestParseSpecRejectsGarbage(t *testing.T) {
	if _, err := parseSpec("the model declined to answer"); err == nil {
		t.Error("non-JSON output should not parse")
	}
}
