package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry must be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %d, want 0", len(statuses))
	}
}

func TestAllProbesPass(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("scheduler", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-passing registry must be healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	for _, st := range statuses {
		if !st.Healthy || st.Detail != "" {
			t.Errorf("status %s = %+v, want healthy with no detail", st.Name, st)
		}
	}
}

func TestOneFailingProbeDegradesAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("scheduler", func(context.Context) error {
		return errors.New("scheduler stopped")
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("a failing probe must degrade the aggregate")
	}
	if statuses[0].Healthy != true || statuses[1].Healthy != false {
		t.Fatalf("statuses = %+v", statuses)
	}
	if statuses[1].Detail != "scheduler stopped" {
		t.Fatalf("detail = %q", statuses[1].Detail)
	}
}

func TestProbesGetOwnDeadline(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline on probe context")
		}
		return nil
	})

	healthy, _ := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("probe context must carry a deadline")
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("probe", func(context.Context) error { return nil })
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
