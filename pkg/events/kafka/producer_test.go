package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/config"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

func testBlock(height uint32) *block.Block {
	return &block.Block{
		Header: block.Header{
			Version:   0,
			Index:     height,
			Timestamp: 1_700_000_000_000,
			Nonce:     7,
		},
		Transactions: []*block.Transaction{},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProducerPublishesBlockEvent(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt BlockEvent
		if err := utils.JSONUnmarshal(val, &evt); err != nil {
			return err
		}
		if evt.Height != 42 || evt.View != 1 || evt.NodeID != "node-1" || evt.EventID == "" {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	p, err := NewProducerWithClient(mp, Topics{Blocks: "t.blocks.v1"}, "node-1", 4, utils.CreateTestLogger(), nil)
	if err != nil {
		t.Fatalf("NewProducerWithClient: %v", err)
	}
	if err := p.BlockCommitted(context.Background(), testBlock(42), 1); err != nil {
		t.Fatalf("BlockCommitted: %v", err)
	}
	waitFor(t, func() bool { return p.Stats().Published == 1 })
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestProducerViewChangeSkippedWithoutTopic(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	p, err := NewProducerWithClient(mp, Topics{Blocks: "t.blocks.v1"}, "n", 4, utils.CreateTestLogger(), nil)
	if err != nil {
		t.Fatalf("NewProducerWithClient: %v", err)
	}
	if err := p.ViewChanged(context.Background(), 3, 2, types.ReasonTimeout); err != nil {
		t.Fatalf("ViewChanged: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s := p.Stats(); s.Published != 0 {
		t.Fatalf("published = %d", s.Published)
	}
}

func TestProducerViewChangeEvent(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt ViewChangeEvent
		if err := utils.JSONUnmarshal(val, &evt); err != nil {
			return err
		}
		if evt.Reason != types.ReasonTxNotFound.String() || evt.ReasonCode != uint8(types.ReasonTxNotFound) || evt.View != 3 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})
	p, err := NewProducerWithClient(mp, Topics{Blocks: "b", ViewChanges: "v"}, "n", 4, utils.CreateTestLogger(), nil)
	if err != nil {
		t.Fatalf("NewProducerWithClient: %v", err)
	}
	if err := p.ViewChanged(context.Background(), 10, 3, types.ReasonTxNotFound); err != nil {
		t.Fatalf("ViewChanged: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s := p.Stats(); s.Published != 1 {
		t.Fatalf("published = %d", s.Published)
	}
}

func TestProducerCountsFailures(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	p, err := NewProducerWithClient(mp, Topics{Blocks: "b"}, "n", 4, utils.CreateTestLogger(), nil)
	if err != nil {
		t.Fatalf("NewProducerWithClient: %v", err)
	}
	if err := p.BlockCommitted(context.Background(), testBlock(1), 0); err != nil {
		t.Fatalf("BlockCommitted: %v", err)
	}
	_ = p.Close()
	if s := p.Stats(); s.Failed != 1 || s.Published != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestProducerRejectsAfterClose(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	p, err := NewProducerWithClient(mp, Topics{Blocks: "b"}, "n", 1, utils.CreateTestLogger(), nil)
	if err != nil {
		t.Fatalf("NewProducerWithClient: %v", err)
	}
	_ = p.Close()
	err = p.BlockCommitted(context.Background(), testBlock(1), 0)
	if !utils.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable unavailable", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewProducerWithClientValidation(t *testing.T) {
	if _, err := NewProducerWithClient(nil, Topics{Blocks: "b"}, "n", 1, nil, nil); err == nil {
		t.Fatal("nil client accepted")
	}
	mp := mocks.NewSyncProducer(t, nil)
	defer mp.Close()
	if _, err := NewProducerWithClient(mp, Topics{}, "n", 1, nil, nil); err == nil {
		t.Fatal("empty blocks topic accepted")
	}
}

func TestBuildSaramaConfig(t *testing.T) {
	base := config.KafkaConfig{
		Enabled:              true,
		Brokers:              []string{"localhost:9092"},
		Timeout:              5 * time.Second,
		TLSEnabled:           true,
		SASLMechanism:        "SCRAM-SHA-512",
		SASLUsername:         "u",
		SASLPassword:         "p",
		ProducerIdempotent:   true,
		ProducerRequiredAcks: -1,
		ProducerRetries:      3,
		MaxMessageSize:       1 << 20,
	}
	sc, err := BuildSaramaConfig(context.Background(), &base, utils.CreateTestLogger(), nil)
	if err != nil {
		t.Fatalf("BuildSaramaConfig: %v", err)
	}
	if !sc.Net.SASL.Enable || sc.Net.SASL.Mechanism != sarama.SASLTypeSCRAMSHA512 || sc.Net.MaxOpenRequests != 1 {
		t.Fatalf("sasl=%v mech=%s inflight=%d", sc.Net.SASL.Enable, sc.Net.SASL.Mechanism, sc.Net.MaxOpenRequests)
	}
	if _, ok := sc.Net.SASL.SCRAMClientGeneratorFunc().(*XDGSCRAMClient); !ok {
		t.Fatal("SCRAM client generator not wired")
	}

	plain := base
	plain.SASLMechanism = "PLAIN"
	plain.TLSEnabled = false
	if _, err := BuildSaramaConfig(context.Background(), &plain, utils.CreateTestLogger(), nil); err == nil {
		t.Fatal("PLAIN without TLS accepted")
	}

	bogus := base
	bogus.SASLMechanism = "GSSAPI"
	if _, err := BuildSaramaConfig(context.Background(), &bogus, utils.CreateTestLogger(), nil); err == nil {
		t.Fatal("unsupported mechanism accepted")
	}

	if _, err := BuildSaramaConfig(context.Background(), nil, nil, nil); err == nil {
		t.Fatal("nil config accepted")
	}
}
