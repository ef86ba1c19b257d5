package dedup

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDeduplicator_FirstClaimantIsOwner(t *testing.T) {
	d := New(true)

	slot1, owner1 := d.Claim("fp1")
	if !owner1 {
		t.Fatal("first claimant must be owner")
	}

	slot2, owner2 := d.Claim("fp1")
	if owner2 {
		t.Fatal("second claimant must not be owner")
	}
	if slot1 != slot2 {
		t.Fatal("second claimant must receive the same slot")
	}
}

func TestDeduplicator_PublishDeliversToWaiters(t *testing.T) {
	d := New(true)

	slot, owner := d.Claim("fp1")
	if !owner {
		t.Fatal("expected owner")
	}
	waiterSlot, owner2 := d.Claim("fp1")
	if owner2 {
		t.Fatal("expected waiter")
	}

	var wg sync.WaitGroup
	results := make([]Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := d.Await(context.Background(), waiterSlot)
			if err != nil {
				t.Errorf("await error: %v", err)
			}
			results[i] = o
		}(i)
	}

	d.Publish("fp1", slot, Outcome{Kind: OutcomeTranslations, Translations: []string{"Bonjour"}})
	wg.Wait()

	for _, r := range results {
		if r.Kind != OutcomeTranslations || len(r.Translations) != 1 || r.Translations[0] != "Bonjour" {
			t.Fatalf("unexpected outcome: %+v", r)
		}
	}
}

func TestDeduplicator_DoublePublishIsNoop(t *testing.T) {
	d := New(true)
	slot, _ := d.Claim("fp1")

	d.Publish("fp1", slot, Outcome{Kind: OutcomeTranslations, Translations: []string{"first"}})
	d.Publish("fp1", slot, Outcome{Kind: OutcomeTranslations, Translations: []string{"second"}})

	o, err := d.Await(context.Background(), slot)
	if err != nil {
		t.Fatal(err)
	}
	if o.Translations[0] != "first" {
		t.Fatalf("double publish must not overwrite first outcome, got %v", o.Translations)
	}
}

func TestDeduplicator_NewSlotAfterPublish(t *testing.T) {
	d := New(true)
	slot1, _ := d.Claim("fp1")
	d.Publish("fp1", slot1, Outcome{Kind: OutcomeTranslations})

	slot2, owner := d.Claim("fp1")
	if !owner {
		t.Fatal("expected new owner after publish removed the old slot")
	}
	if slot1 == slot2 {
		t.Fatal("expected a fresh slot")
	}
}

func TestDeduplicator_AwaitTimeoutFallsThrough(t *testing.T) {
	d := New(true)
	_, owner := d.Claim("fp1")
	if !owner {
		t.Fatal("expected owner")
	}
	waiterSlot, _ := d.Claim("fp1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Await(ctx, waiterSlot)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestDeduplicator_CancellationOutcomeUnblocksWaiters(t *testing.T) {
	d := New(true)
	slot, _ := d.Claim("fp1")
	waiterSlot, _ := d.Claim("fp1")

	go func() {
		d.Publish("fp1", slot, Outcome{Kind: OutcomeCancelled})
	}()

	o, err := d.Await(context.Background(), waiterSlot)
	if err != nil {
		t.Fatal(err)
	}
	if o.Kind != OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %+v", o)
	}
}

func TestDeduplicator_Disabled(t *testing.T) {
	d := New(false)

	slot, owner := d.Claim("fp1")
	if !owner || slot != nil {
		t.Fatalf("disabled deduplicator must always report ownership with a nil slot, got owner=%v slot=%v", owner, slot)
	}

	// Publish/Await on a nil slot are no-ops / immediate timeout.
	d.Publish("fp1", slot, Outcome{Kind: OutcomeTranslations})
	_, err := d.Await(context.Background(), slot)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout on nil slot, got %v", err)
	}
}

func TestDeduplicator_Inflight(t *testing.T) {
	d := New(true)
	if d.Inflight() != 0 {
		t.Fatal("expected 0 inflight")
	}
	slot, _ := d.Claim("fp1")
	if d.Inflight() != 1 {
		t.Fatal("expected 1 inflight")
	}
	d.Publish("fp1", slot, Outcome{Kind: OutcomeTranslations})
	if d.Inflight() != 0 {
		t.Fatal("expected 0 inflight after publish")
	}
}
