package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/mempool"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// fakeGroup blocks in Consume until the context ends.
type fakeGroup struct {
	sarama.ConsumerGroup
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{errs: make(chan error), closed: make(chan struct{})}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, h sarama.ConsumerGroupHandler) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.closed:
		return sarama.ErrClosedConsumerGroup
	}
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

type sinkFunc func(tx *block.Transaction, now time.Time) error

func (f sinkFunc) Add(tx *block.Transaction, now time.Time) error { return f(tx, now) }

type recordingGossip struct{ n int }

func (g *recordingGossip) PublishTransaction(ctx context.Context, tx *block.Transaction) error {
	g.n++
	return nil
}

func encodedTx(t *testing.T, nonce uint32) []byte {
	t.Helper()
	raw, err := block.EncodeTransaction(&block.Transaction{
		Nonce:  nonce,
		Sender: []byte("alice"),
		Script: []byte{0x51},
	})
	if err != nil {
		t.Fatalf("EncodeTransaction: %v", err)
	}
	return raw
}

func TestConsumerProcessOutcomes(t *testing.T) {
	var sinkErr error
	sink := sinkFunc(func(*block.Transaction, time.Time) error { return sinkErr })
	gossip := &recordingGossip{}
	dlq := mocks.NewSyncProducer(t, nil)

	c, err := NewConsumerWithClient(context.Background(), newFakeGroup(), dlq,
		ConsumerConfig{GroupID: "g", Topic: "tx", DLQTopic: "tx.dlq"}, sink, gossip, utils.CreateTestLogger(), nil)
	if err != nil {
		t.Fatalf("NewConsumerWithClient: %v", err)
	}
	ctx := context.Background()
	msg := func(v []byte) *sarama.ConsumerMessage {
		return &sarama.ConsumerMessage{Topic: "tx", Value: v}
	}

	if !c.process(ctx, msg(encodedTx(t, 1))) || gossip.n != 1 {
		t.Fatalf("admitted tx: gossip=%d", gossip.n)
	}

	sinkErr = mempool.ErrDuplicate
	if !c.process(ctx, msg(encodedTx(t, 1))) {
		t.Fatal("duplicate should commit offset")
	}

	sinkErr = mempool.ErrMempoolFull
	if c.process(ctx, msg(encodedTx(t, 2))) {
		t.Fatal("full pool must leave offset uncommitted")
	}

	dlq.ExpectSendMessageAndSucceed()
	if !c.process(ctx, msg([]byte{0xff})) {
		t.Fatal("undecodable message should commit offset")
	}

	s := c.Stats()
	if s.Consumed != 4 || s.Admitted != 1 || s.Rejected != 2 || s.DeadLettered != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestConsumerStartStop(t *testing.T) {
	g := newFakeGroup()
	c, err := NewConsumerWithClient(context.Background(), g, nil, ConsumerConfig{Topic: "tx"},
		sinkFunc(func(*block.Transaction, time.Time) error { return nil }), nil, utils.CreateTestLogger(), nil)
	if err != nil {
		t.Fatalf("NewConsumerWithClient: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if err := c.Start(); err == nil {
		t.Fatal("Start after Stop succeeded")
	}
}

func TestNewConsumerWithClientValidation(t *testing.T) {
	sink := sinkFunc(func(*block.Transaction, time.Time) error { return errors.New("unused") })
	if _, err := NewConsumerWithClient(context.Background(), nil, nil, ConsumerConfig{Topic: "tx"}, sink, nil, nil, nil); err == nil {
		t.Fatal("nil group accepted")
	}
	if _, err := NewConsumerWithClient(context.Background(), newFakeGroup(), nil, ConsumerConfig{}, sink, nil, nil, nil); err == nil {
		t.Fatal("empty topic accepted")
	}
	if _, err := NewConsumerWithClient(context.Background(), newFakeGroup(), nil, ConsumerConfig{Topic: "tx", DLQTopic: "d"}, sink, nil, nil, nil); err == nil {
		t.Fatal("dlq topic without producer accepted")
	}
}
