package quotecast

import (
	"errors"
	"testing"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

func TestDecodeMessages(t *testing.T) {
	refs := make(references)
	body := []byte(`[
		{"m":"a_req","v":["AAPL.BATS,E.LastPrice",101]},
		{"m":"a_req","v":["AAPL.BATS,E.LastDate",102]},
		{"m":"h"},
		{"m":"un","v":[101,187.25]},
		{"m":"us","v":[102,"2024-01-02"]},
		{"m":"ue","v":[101]},
		{"m":"un","v":[999,1.0]},
		{"m":"zz","v":[1]}
	]`)

	recs, err := decodeMessages(body, refs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("got %d records, want 4", len(recs))
	}

	if recs[0].Instrument != "AAPL.BATS,E" || recs[0].Metric != "LastPrice" || recs[0].Kind != domain.KindNumber {
		t.Errorf("record 0 = %+v", recs[0])
	}
	if string(recs[0].Value) != "187.25" {
		t.Errorf("record 0 value = %s", recs[0].Value)
	}
	if recs[1].Metric != "LastDate" || recs[1].Kind != domain.KindString {
		t.Errorf("record 1 = %+v", recs[1])
	}
	if recs[2].Kind != domain.KindEmpty || recs[2].Value != nil {
		t.Errorf("record 2 = %+v", recs[2])
	}
	if recs[3].Instrument != "" || recs[3].Ref != 999 {
		t.Errorf("unknown ref should yield an empty instrument, got %+v", recs[3])
	}
	if len(refs) != 2 {
		t.Errorf("refs = %v", refs)
	}
}

func TestDecodeMessagesRefsPersistAndRelease(t *testing.T) {
	refs := make(references)
	if _, err := decodeMessages([]byte(`[{"m":"a_req","v":["X.LastPrice",7]}]`), refs); err != nil {
		t.Fatal(err)
	}

	recs, err := decodeMessages([]byte(`[{"m":"un","v":[7,1.5]}]`), refs)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Instrument != "X" {
		t.Fatalf("ref not carried across polls: %+v", recs[0])
	}

	if _, err := decodeMessages([]byte(`[{"m":"a_rel","v":["X.LastPrice"]}]`), refs); err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Fatalf("release left refs %v", refs)
	}
}

func TestDecodeMessagesSessionReset(t *testing.T) {
	_, err := decodeMessages([]byte(`[{"m":"sr"}]`), make(references))
	if !errors.Is(err, domain.ErrSessionReset) {
		t.Fatalf("err = %v, want ErrSessionReset", err)
	}
	if !IsTransportError(err) {
		t.Fatal("session reset should be recoverable")
	}
}

func TestDecodeMessagesMalformedBody(t *testing.T) {
	_, err := decodeMessages([]byte(`{"not":"an array"}`), make(references))
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
	if IsTransportError(err) {
		t.Fatal("malformed body must not be recoverable")
	}
}
