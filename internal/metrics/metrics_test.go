package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if pagesTotal == nil || challengesTotal == nil || postsTotal == nil || storeRetriesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservePosts(t *testing.T) {
	before := testutil.ToFloat64(postsTotal.WithLabelValues("inserted"))
	beforeDup := testutil.ToFloat64(postsTotal.WithLabelValues("duplicate"))

	ObservePosts(3, 2)
	ObservePosts(0, 0)

	if got := testutil.ToFloat64(postsTotal.WithLabelValues("inserted")) - before; got != 3 {
		t.Errorf("inserted delta = %f; want 3", got)
	}
	if got := testutil.ToFloat64(postsTotal.WithLabelValues("duplicate")) - beforeDup; got != 2 {
		t.Errorf("duplicate delta = %f; want 2", got)
	}
}

func TestObserveClaimsDefaultsLabel(t *testing.T) {
	Init()
	before := testutil.ToFloat64(claimsTotal.WithLabelValues("any"))
	ObserveClaims("", 4)
	if got := testutil.ToFloat64(claimsTotal.WithLabelValues("any")) - before; got != 4 {
		t.Errorf("claims delta = %f; want 4", got)
	}
}

func TestObserveCooldownAndBackoff(t *testing.T) {
	Init()
	before := testutil.ToFloat64(cooldownsTotal)
	ObserveCooldown()
	ObserveBackoff(30 * time.Second)
	if got := testutil.ToFloat64(cooldownsTotal) - before; got != 1 {
		t.Errorf("cooldowns delta = %f; want 1", got)
	}
	SetProcessedTopics(7)
	if got := testutil.ToFloat64(processedTopics); got != 7 {
		t.Errorf("processed topics = %f; want 7", got)
	}
}
