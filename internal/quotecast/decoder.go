package quotecast

import (
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// Upstream message kinds.
const (
	msgRequest   = "a_req"
	msgRelease   = "a_rel"
	msgNumber    = "un"
	msgString    = "us"
	msgEmpty     = "ue"
	msgHeartbeat = "h"
	msgReset     = "sr"
)

type message struct {
	M string            `json:"m"`
	V []json.RawMessage `json:"v"`
}

// references maps the numeric reference the upstream assigns to each
// subscribed pair. It is only valid for the session id that produced it.
type references map[int64]Pair

// decodeMessages turns one poll body into records, updating refs with any
// registrations or releases it carries. Update records whose reference is
// unknown are still returned, with an empty instrument, so the merger can
// count them as skipped.
func decodeMessages(body []byte, refs references) ([]domain.Record, error) {
	var msgs []message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, fmt.Errorf("quotecast: decode batch: %w: %v", domain.ErrMalformedResponse, err)
	}

	records := make([]domain.Record, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.M {
		case msgRequest:
			if len(msg.V) < 2 {
				continue
			}
			var name string
			var ref int64
			if json.Unmarshal(msg.V[0], &name) != nil || json.Unmarshal(msg.V[1], &ref) != nil {
				continue
			}
			if p, ok := parsePair(name); ok {
				refs[ref] = p
			}

		case msgRelease:
			if len(msg.V) < 1 {
				continue
			}
			var name string
			if json.Unmarshal(msg.V[0], &name) != nil {
				continue
			}
			p, ok := parsePair(name)
			if !ok {
				continue
			}
			for ref, known := range refs {
				if known == p {
					delete(refs, ref)
				}
			}

		case msgNumber, msgString, msgEmpty:
			records = append(records, updateRecord(msg, refs))

		case msgReset:
			return nil, fmt.Errorf("quotecast: decode batch: %w", domain.ErrSessionReset)

		case msgHeartbeat:
		}
	}
	return records, nil
}

func updateRecord(msg message, refs references) domain.Record {
	var rec domain.Record
	switch msg.M {
	case msgNumber:
		rec.Kind = domain.KindNumber
	case msgString:
		rec.Kind = domain.KindString
	default:
		rec.Kind = domain.KindEmpty
	}
	if len(msg.V) == 0 || json.Unmarshal(msg.V[0], &rec.Ref) != nil {
		return rec
	}
	if p, ok := refs[rec.Ref]; ok {
		rec.Instrument = p.Instrument
		rec.Metric = p.Metric
	}
	if len(msg.V) > 1 {
		rec.Value = msg.V[1]
	}
	return rec
}
