package health

import (
	"errors"
	"sync"
	"testing"
)

func TestEmptyManagerIsHealthy(t *testing.T) {
	hm := NewHealthManager(nil)
	if !hm.IsHealthy() {
		t.Error("manager with no checks must report healthy")
	}
	if got := hm.GetStatus(); len(got) != 0 {
		t.Errorf("GetStatus on empty manager = %v, want empty", got)
	}
}

func TestStatusReflectsEachCheck(t *testing.T) {
	hm := NewHealthManager(nil)
	hm.Register("sot_store", func() error { return nil })
	hm.Register("price_source", func() error { return errors.New("stale quote") })

	status := hm.GetStatus()
	if status["sot_store"] != "Healthy" {
		t.Errorf("sot_store = %q, want Healthy", status["sot_store"])
	}
	if status["price_source"] != "Unhealthy: stale quote" {
		t.Errorf("price_source = %q, want Unhealthy: stale quote", status["price_source"])
	}
	if hm.IsHealthy() {
		t.Error("one failing check must fail the aggregate")
	}
}

func TestRegisterReplacesCheck(t *testing.T) {
	hm := NewHealthManager(nil)
	hm.Register("coordinator", func() error { return errors.New("draining") })
	if hm.IsHealthy() {
		t.Fatal("failing check not seen")
	}

	hm.Register("coordinator", func() error { return nil })
	if !hm.IsHealthy() {
		t.Error("replacement check not installed")
	}
}

func TestRegisterDuringSlowProbe(t *testing.T) {
	hm := NewHealthManager(nil)

	started := make(chan struct{})
	release := make(chan struct{})
	hm.Register("slow", func() error {
		close(started)
		<-release
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = hm.IsHealthy()
	}()

	// The probe is parked inside the slow check. Registration must still
	// proceed, because checks run on a snapshot outside the lock.
	<-started
	hm.Register("fast", func() error { return nil })
	close(release)
	wg.Wait()
}
