package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/r3e-network/neo-dbft/pkg/utils"
)

func newDeliveryRouter(t *testing.T, ordered string) *Router {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Router{
		ctx:        ctx,
		cancel:     cancel,
		log:        utils.CreateTestLogger(),
		handlers:   map[string][]Handler{},
		ordered:    map[string]bool{ordered: true},
		handlerSem: make(chan struct{}, 4),
	}
}

func TestOrderedTopicDeliversInArrivalOrder(t *testing.T) {
	const topic = "dbft/test/consensus"
	r := newDeliveryRouter(t, topic)
	var got []byte
	r.handlers[topic] = []Handler{func(_ context.Context, _ peer.ID, data []byte) error {
		// later messages finish first if run concurrently
		time.Sleep(time.Duration(50-int(data[0])) * 10 * time.Microsecond)
		got = append(got, data[0])
		return nil
	}}

	for i := 0; i < 50; i++ {
		if !r.deliver(topic, peer.ID("peer-a"), []byte{byte(i)}) {
			t.Fatal("deliver reported shutdown")
		}
	}
	if len(got) != 50 {
		t.Fatalf("%d messages handled when deliver returned, want 50", len(got))
	}
	for i, b := range got {
		if int(b) != i {
			t.Fatalf("message %d handled at position %d", b, i)
		}
	}
	if len(r.handlerSem) != 0 {
		t.Fatalf("%d handler slots still held", len(r.handlerSem))
	}
}

func TestUnorderedTopicRunsHandlersConcurrently(t *testing.T) {
	const topic = "dbft/test/transactions"
	r := newDeliveryRouter(t, "dbft/test/consensus")
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)
	r.handlers[topic] = []Handler{func(context.Context, peer.ID, []byte) error {
		defer wg.Done()
		<-release
		return nil
	}}

	// every handler blocks, so deliver must not wait for them
	for i := 0; i < 3; i++ {
		if !r.deliver(topic, peer.ID("peer-a"), []byte{byte(i)}) {
			t.Fatal("deliver reported shutdown")
		}
	}
	close(release)
	wg.Wait()
}
