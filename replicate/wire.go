package replicate

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kaosnet/tagsync/tags"
	"github.com/kaosnet/tagsync/tagstack"
)

// Wire format. Each websocket binary message is one frame, a varint
// wire-format message written directly with protowire (the same
// encoding protoc would emit, without generated code).
//
//	Frame:
//	  1: Auth  (message)
//	  2: Delta (message)
//	Auth:
//	  1: by_jwt      (string)
//	  2: app_version (string)
//	Delta:
//	  1: array_replication_key (varint)
//	  2: removed               (repeated varint)
//	  3: added                 (repeated message: 1 id, 2 tag, 3 count)
//	  4: changed               (repeated message: 1 id, 2 count)

const (
	frameFieldAuth  = protowire.Number(1)
	frameFieldDelta = protowire.Number(2)

	authFieldByJwt      = protowire.Number(1)
	authFieldAppVersion = protowire.Number(2)

	deltaFieldArrayKey = protowire.Number(1)
	deltaFieldRemoved  = protowire.Number(2)
	deltaFieldAdded    = protowire.Number(3)
	deltaFieldChanged  = protowire.Number(4)

	itemFieldId    = protowire.Number(1)
	itemFieldTag   = protowire.Number(2)
	itemFieldCount = protowire.Number(3)

	changeFieldId    = protowire.Number(1)
	changeFieldCount = protowire.Number(2)
)

type AuthFrame struct {
	ByJwt      string
	AppVersion string
}

// Frame is one decoded wire message. Exactly one field is set.
type Frame struct {
	Auth  *AuthFrame
	Delta *tagstack.Delta
}

func EncodeAuthFrame(auth *AuthFrame) []byte {
	body := []byte{}
	body = protowire.AppendTag(body, authFieldByJwt, protowire.BytesType)
	body = protowire.AppendString(body, auth.ByJwt)
	body = protowire.AppendTag(body, authFieldAppVersion, protowire.BytesType)
	body = protowire.AppendString(body, auth.AppVersion)

	b := []byte{}
	b = protowire.AppendTag(b, frameFieldAuth, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b
}

func EncodeDeltaFrame(delta *tagstack.Delta) []byte {
	body := []byte{}
	body = protowire.AppendTag(body, deltaFieldArrayKey, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(delta.ArrayReplicationKey))
	for _, id := range delta.Removed {
		body = protowire.AppendTag(body, deltaFieldRemoved, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(id))
	}
	for _, add := range delta.Added {
		item := []byte{}
		item = protowire.AppendTag(item, itemFieldId, protowire.VarintType)
		item = protowire.AppendVarint(item, uint64(add.Id))
		item = protowire.AppendTag(item, itemFieldTag, protowire.BytesType)
		item = protowire.AppendString(item, add.Tag.String())
		item = protowire.AppendTag(item, itemFieldCount, protowire.VarintType)
		item = protowire.AppendVarint(item, uint64(add.Count))
		body = protowire.AppendTag(body, deltaFieldAdded, protowire.BytesType)
		body = protowire.AppendBytes(body, item)
	}
	for _, change := range delta.Changed {
		item := []byte{}
		item = protowire.AppendTag(item, changeFieldId, protowire.VarintType)
		item = protowire.AppendVarint(item, uint64(change.Id))
		item = protowire.AppendTag(item, changeFieldCount, protowire.VarintType)
		item = protowire.AppendVarint(item, uint64(change.Count))
		body = protowire.AppendTag(body, deltaFieldChanged, protowire.BytesType)
		body = protowire.AppendBytes(body, item)
	}

	b := []byte{}
	b = protowire.AppendTag(b, frameFieldDelta, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b
}

// DecodeFrame parses one wire message. Tag names arriving on added
// entries are interned into `registry`; the authority is the source of
// truth for the tag table.
func DecodeFrame(b []byte, registry *tags.Registry) (*Frame, error) {
	frame := &Frame{}
	for 0 < len(b) {
		number, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("unexpected wire type %d for frame field %d", typ, number)
		}
		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch number {
		case frameFieldAuth:
			auth, err := decodeAuth(body)
			if err != nil {
				return nil, err
			}
			frame.Auth = auth
		case frameFieldDelta:
			delta, err := decodeDelta(body, registry)
			if err != nil {
				return nil, err
			}
			frame.Delta = delta
		default:
			// unknown field, skip for forward compatibility
		}
	}
	if frame.Auth == nil && frame.Delta == nil {
		return nil, errors.New("empty frame")
	}
	return frame, nil
}

func decodeAuth(b []byte) (*AuthFrame, error) {
	auth := &AuthFrame{}
	err := eachField(b, func(number protowire.Number, typ protowire.Type, value fieldValue) error {
		switch number {
		case authFieldByJwt:
			s, err := value.asString()
			if err != nil {
				return err
			}
			auth.ByJwt = s
		case authFieldAppVersion:
			s, err := value.asString()
			if err != nil {
				return err
			}
			auth.AppVersion = s
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return auth, nil
}

func decodeDelta(b []byte, registry *tags.Registry) (*tagstack.Delta, error) {
	delta := &tagstack.Delta{}
	err := eachField(b, func(number protowire.Number, typ protowire.Type, value fieldValue) error {
		switch number {
		case deltaFieldArrayKey:
			v, err := value.asVarint()
			if err != nil {
				return err
			}
			delta.ArrayReplicationKey = uint32(v)
		case deltaFieldRemoved:
			v, err := value.asVarint()
			if err != nil {
				return err
			}
			delta.Removed = append(delta.Removed, uint32(v))
		case deltaFieldAdded:
			body, err := value.asBytes()
			if err != nil {
				return err
			}
			add, err := decodeDeltaAdd(body, registry)
			if err != nil {
				return err
			}
			delta.Added = append(delta.Added, *add)
		case deltaFieldChanged:
			body, err := value.asBytes()
			if err != nil {
				return err
			}
			change, err := decodeDeltaChange(body)
			if err != nil {
				return err
			}
			delta.Changed = append(delta.Changed, *change)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

func decodeDeltaAdd(b []byte, registry *tags.Registry) (*tagstack.DeltaAdd, error) {
	add := &tagstack.DeltaAdd{}
	err := eachField(b, func(number protowire.Number, typ protowire.Type, value fieldValue) error {
		switch number {
		case itemFieldId:
			v, err := value.asVarint()
			if err != nil {
				return err
			}
			add.Id = uint32(v)
		case itemFieldTag:
			name, err := value.asString()
			if err != nil {
				return err
			}
			tag, err := registry.Register(name)
			if err != nil {
				return err
			}
			add.Tag = tag
		case itemFieldCount:
			v, err := value.asVarint()
			if err != nil {
				return err
			}
			add.Count = int(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return add, nil
}

func decodeDeltaChange(b []byte) (*tagstack.DeltaChange, error) {
	change := &tagstack.DeltaChange{}
	err := eachField(b, func(number protowire.Number, typ protowire.Type, value fieldValue) error {
		switch number {
		case changeFieldId:
			v, err := value.asVarint()
			if err != nil {
				return err
			}
			change.Id = uint32(v)
		case changeFieldCount:
			v, err := value.asVarint()
			if err != nil {
				return err
			}
			change.Count = int(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

type fieldValue struct {
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (self *fieldValue) asVarint() (uint64, error) {
	if self.typ != protowire.VarintType {
		return 0, fmt.Errorf("unexpected wire type %d, expected varint", self.typ)
	}
	return self.varint, nil
}

func (self *fieldValue) asBytes() ([]byte, error) {
	if self.typ != protowire.BytesType {
		return nil, fmt.Errorf("unexpected wire type %d, expected bytes", self.typ)
	}
	return self.bytes, nil
}

func (self *fieldValue) asString() (string, error) {
	b, err := self.asBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func eachField(b []byte, callback func(number protowire.Number, typ protowire.Type, value fieldValue) error) error {
	for 0 < len(b) {
		number, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		value := fieldValue{typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			value.varint = v
		case protowire.BytesType:
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			value.bytes = body
		default:
			n := protowire.ConsumeFieldValue(number, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if err := callback(number, typ, value); err != nil {
			return err
		}
	}
	return nil
}
