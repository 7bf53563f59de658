package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/custody-trace/internal/model"
)

// normalizeHop makes a nil flag list encode as an empty array.
func normalizeHop(h model.Hop) model.Hop {
	if h.Flags == nil {
		h.Flags = []string{}
	}
	return h
}

func marshalRecordJSON(rec *model.ProductRecord) (hops []byte, vision []byte, err error) {
	normalized := make([]model.Hop, len(rec.Hops))
	for i, h := range rec.Hops {
		normalized[i] = normalizeHop(h)
	}
	hops, err = json.Marshal(normalized)
	if err != nil {
		return nil, nil, err
	}
	if rec.VisionResult != nil {
		vision, err = json.Marshal(rec.VisionResult)
		if err != nil {
			return nil, nil, err
		}
	}
	return hops, vision, nil
}

func unmarshalRecordJSON(rec *model.ProductRecord, hops, vision []byte) error {
	rec.Hops = []model.Hop{}
	if len(hops) > 0 {
		if err := json.Unmarshal(hops, &rec.Hops); err != nil {
			return eris.Wrap(err, "store: decode hops")
		}
	}
	if len(vision) > 0 && string(vision) != "null" {
		var v model.VisionResult
		if err := json.Unmarshal(vision, &v); err != nil {
			return eris.Wrap(err, "store: decode vision result")
		}
		rec.VisionResult = &v
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
