package engine

import (
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// Wire forms. Updates travel between replicas as CBOR so payloads stay
// compact and survive schema growth; every decoder failure maps to
// ErrBadUpdate so callers can drop the frame without caring why.

type wireLevel struct {
	D uint32 `cbor:"d"`
	S uint32 `cbor:"s"`
}

type wireOp struct {
	Site uint32      `cbor:"site"`
	Seq  uint64      `cbor:"seq"`
	Kind uint8       `cbor:"kind"`
	Pos  []wireLevel `cbor:"pos"`
	Val  string      `cbor:"val,omitempty"`
}

type wireUpdate struct {
	Ops []wireOp `cbor:"ops"`
}

type wireVector struct {
	Seen map[uint32]uint64 `cbor:"seen"`
}

func encodeUpdate(ops []op) ([]byte, error) {
	w := wireUpdate{Ops: make([]wireOp, len(ops))}
	for i, o := range ops {
		wo := wireOp{Site: o.site, Seq: o.seq, Kind: o.kind, Pos: make([]wireLevel, len(o.id))}
		for j, l := range o.id {
			wo.Pos[j] = wireLevel{D: l.Digit, S: l.Site}
		}
		if o.kind == opInsert {
			wo.Val = string(o.value)
		}
		w.Ops[i] = wo
	}
	return cbor.Marshal(w)
}

func decodeUpdate(data []byte) ([]op, error) {
	var w wireUpdate
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	ops := make([]op, len(w.Ops))
	for i, wo := range w.Ops {
		if wo.Site == 0 || wo.Seq == 0 || len(wo.Pos) == 0 {
			return nil, fmt.Errorf("%w: incomplete op", ErrBadUpdate)
		}
		o := op{site: wo.Site, seq: wo.Seq, kind: wo.Kind, id: make(pid, len(wo.Pos))}
		for j, l := range wo.Pos {
			if l.D >= digitBase {
				return nil, fmt.Errorf("%w: digit out of range", ErrBadUpdate)
			}
			o.id[j] = pos{Digit: l.D, Site: l.S}
		}
		switch wo.Kind {
		case opInsert:
			if utf8.RuneCountInString(wo.Val) != 1 {
				return nil, fmt.Errorf("%w: insert value must be one rune", ErrBadUpdate)
			}
			o.value, _ = utf8.DecodeRuneInString(wo.Val)
		case opDelete:
			if wo.Val != "" {
				return nil, fmt.Errorf("%w: delete carries a value", ErrBadUpdate)
			}
		default:
			return nil, fmt.Errorf("%w: unknown op kind %d", ErrBadUpdate, wo.Kind)
		}
		ops[i] = o
	}
	return ops, nil
}

func encodeVector(v map[uint32]uint64) ([]byte, error) {
	return cbor.Marshal(wireVector{Seen: v})
}

func decodeVector(data []byte) (map[uint32]uint64, error) {
	var w wireVector
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadVector, err)
	}
	if w.Seen == nil {
		w.Seen = make(map[uint32]uint64)
	}
	return w.Seen, nil
}
