package block

import (
	"testing"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

func headerAt(index uint32) Header {
	return Header{
		PrevHash:  types.Hash256([]byte("prev")),
		Timestamp: 1000,
		Nonce:     7,
		Index:     index,
	}
}

func TestHeaderHashOnReturnedValue(t *testing.T) {
	h := headerAt(10).Hash()
	if h.IsZero() {
		t.Fatal("zero header hash")
	}
	b := &Block{Header: headerAt(10)}
	if b.Hash() != h {
		t.Fatal("block hash differs from its header hash")
	}
	if headerAt(11).Hash() == h {
		t.Fatal("index not covered by the header hash")
	}

	data, err := EncodeBlock(b)
	if err != nil {
		t.Fatalf("EncodeBlock: %v", err)
	}
	got, err := DecodeBlock(data)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if got.Hash() != h {
		t.Fatal("decoded block hashes differently")
	}
}
