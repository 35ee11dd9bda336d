// Package riemannpb encodes and decodes the Riemann protocol buffer messages.
//
// Field numbers follow the collector's proto.proto schema. Only the fields the client
// reads or writes are modelled; unknown fields are skipped on decode.
package riemannpb

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Msg is the envelope exchanged with the collector in both directions.
type Msg struct {
	OK     *bool
	Error  string
	States []*State
	Query  *Query
	Events []*Event
}

// Event is one event record on the wire.
type Event struct {
	Time        int64
	State       string
	Service     string
	Host        string
	Description string
	Tags        []string
	TTL         float32
	Attributes  []*Attribute
	TimeMicros  int64
	MetricSint  int64
	MetricD     float64
	MetricF     float32

	HasMetricSint bool
	HasMetricD    bool
	HasMetricF    bool
}

// State is one collector index entry.
type State struct {
	Time        int64
	State       string
	Service     string
	Host        string
	Description string
	Once        bool
	Tags        []string
	TTL         float32
}

// Query carries a collector query expression.
type Query struct {
	String string
}

// Attribute is a custom key/value pair attached to an event.
type Attribute struct {
	Key   string
	Value string
}

const (
	msgOK     protowire.Number = 2
	msgError  protowire.Number = 3
	msgStates protowire.Number = 4
	msgQuery  protowire.Number = 5
	msgEvents protowire.Number = 6

	eventTime        protowire.Number = 1
	eventState       protowire.Number = 2
	eventService     protowire.Number = 3
	eventHost        protowire.Number = 4
	eventDescription protowire.Number = 5
	eventTags        protowire.Number = 7
	eventTTL         protowire.Number = 8
	eventAttributes  protowire.Number = 9
	eventTimeMicros  protowire.Number = 10
	eventMetricSint  protowire.Number = 13
	eventMetricD     protowire.Number = 14
	eventMetricF     protowire.Number = 15

	stateTime        protowire.Number = 1
	stateState       protowire.Number = 2
	stateService     protowire.Number = 3
	stateHost        protowire.Number = 4
	stateDescription protowire.Number = 5
	stateOnce        protowire.Number = 6
	stateTags        protowire.Number = 7
	stateTTL         protowire.Number = 8

	queryString protowire.Number = 1

	attributeKey   protowire.Number = 1
	attributeValue protowire.Number = 2
)

// Metric returns the most precise metric value present on the event.
// Params: none.
// Returns: metric value and presence flag.
func (e *Event) Metric() (float64, bool) {
	switch {
	case e.HasMetricD:
		return e.MetricD, true
	case e.HasMetricSint:
		return float64(e.MetricSint), true
	case e.HasMetricF:
		return float64(e.MetricF), true
	default:
		return 0, false
	}
}

// Marshal encodes the message into protobuf bytes.
// Params: none.
// Returns: encoded payload.
func (m *Msg) Marshal() []byte {
	var b []byte
	if m.OK != nil {
		b = protowire.AppendTag(b, msgOK, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(*m.OK))
	}
	if m.Error != "" {
		b = appendString(b, msgError, m.Error)
	}
	for _, state := range m.States {
		b = protowire.AppendTag(b, msgStates, protowire.BytesType)
		b = protowire.AppendBytes(b, state.marshal())
	}
	if m.Query != nil {
		var q []byte
		q = appendString(q, queryString, m.Query.String)
		b = protowire.AppendTag(b, msgQuery, protowire.BytesType)
		b = protowire.AppendBytes(b, q)
	}
	for _, ev := range m.Events {
		b = protowire.AppendTag(b, msgEvents, protowire.BytesType)
		b = protowire.AppendBytes(b, ev.marshal())
	}
	return b
}

func (e *Event) marshal() []byte {
	var b []byte
	if e.Time != 0 {
		b = appendVarint(b, eventTime, uint64(e.Time))
	}
	b = appendString(b, eventState, e.State)
	b = appendString(b, eventService, e.Service)
	b = appendString(b, eventHost, e.Host)
	if e.Description != "" {
		b = appendString(b, eventDescription, e.Description)
	}
	for _, tag := range e.Tags {
		b = appendString(b, eventTags, tag)
	}
	if e.TTL != 0 {
		b = protowire.AppendTag(b, eventTTL, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(e.TTL))
	}
	for _, attr := range e.Attributes {
		var a []byte
		a = appendString(a, attributeKey, attr.Key)
		a = appendString(a, attributeValue, attr.Value)
		b = protowire.AppendTag(b, eventAttributes, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	if e.TimeMicros != 0 {
		b = appendVarint(b, eventTimeMicros, uint64(e.TimeMicros))
	}
	if e.HasMetricSint {
		b = appendVarint(b, eventMetricSint, protowire.EncodeZigZag(e.MetricSint))
	}
	if e.HasMetricD {
		b = protowire.AppendTag(b, eventMetricD, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(e.MetricD))
	}
	if e.HasMetricF {
		b = protowire.AppendTag(b, eventMetricF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(e.MetricF))
	}
	return b
}

func (s *State) marshal() []byte {
	var b []byte
	if s.Time != 0 {
		b = appendVarint(b, stateTime, uint64(s.Time))
	}
	b = appendString(b, stateState, s.State)
	b = appendString(b, stateService, s.Service)
	b = appendString(b, stateHost, s.Host)
	if s.Description != "" {
		b = appendString(b, stateDescription, s.Description)
	}
	if s.Once {
		b = appendVarint(b, stateOnce, protowire.EncodeBool(true))
	}
	for _, tag := range s.Tags {
		b = appendString(b, stateTags, tag)
	}
	if s.TTL != 0 {
		b = protowire.AppendTag(b, stateTTL, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(s.TTL))
	}
	return b
}

func appendString(b []byte, num protowire.Number, value string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, value)
}

func appendVarint(b []byte, num protowire.Number, value uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, value)
}

// Unmarshal decodes protobuf bytes into a message.
// Params: payload encoded message.
// Returns: decoded message or malformed-payload error.
func Unmarshal(payload []byte) (*Msg, error) {
	msg := &Msg{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == msgOK && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ok := protowire.DecodeBool(v)
			msg.OK = &ok
			return n, nil
		case num == msgError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			msg.Error = v
			return n, nil
		case num == msgStates && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			state, err := unmarshalState(v)
			if err != nil {
				return 0, fmt.Errorf("decode state: %w", err)
			}
			msg.States = append(msg.States, state)
			return n, nil
		case num == msgQuery && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			query, err := unmarshalQuery(v)
			if err != nil {
				return 0, fmt.Errorf("decode query: %w", err)
			}
			msg.Query = query
			return n, nil
		case num == msgEvents && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			ev, err := unmarshalEvent(v)
			if err != nil {
				return 0, fmt.Errorf("decode event: %w", err)
			}
			msg.Events = append(msg.Events, ev)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal msg: %w", err)
	}
	return msg, nil
}

func unmarshalEvent(payload []byte) (*Event, error) {
	ev := &Event{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == eventTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ev.Time = int64(v)
			return n, nil
		case num == eventState && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			ev.State = v
			return n, nil
		case num == eventService && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			ev.Service = v
			return n, nil
		case num == eventHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			ev.Host = v
			return n, nil
		case num == eventDescription && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			ev.Description = v
			return n, nil
		case num == eventTags && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				ev.Tags = append(ev.Tags, v)
			}
			return n, nil
		case num == eventTTL && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			ev.TTL = math.Float32frombits(v)
			return n, nil
		case num == eventAttributes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			attr, err := unmarshalAttribute(v)
			if err != nil {
				return 0, fmt.Errorf("decode attribute: %w", err)
			}
			ev.Attributes = append(ev.Attributes, attr)
			return n, nil
		case num == eventTimeMicros && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ev.TimeMicros = int64(v)
			return n, nil
		case num == eventMetricSint && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ev.MetricSint = protowire.DecodeZigZag(v)
			ev.HasMetricSint = true
			return n, nil
		case num == eventMetricD && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			ev.MetricD = math.Float64frombits(v)
			ev.HasMetricD = true
			return n, nil
		case num == eventMetricF && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			ev.MetricF = math.Float32frombits(v)
			ev.HasMetricF = true
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func unmarshalState(payload []byte) (*State, error) {
	state := &State{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == stateTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			state.Time = int64(v)
			return n, nil
		case num == stateState && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			state.State = v
			return n, nil
		case num == stateService && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			state.Service = v
			return n, nil
		case num == stateHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			state.Host = v
			return n, nil
		case num == stateDescription && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			state.Description = v
			return n, nil
		case num == stateOnce && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			state.Once = protowire.DecodeBool(v)
			return n, nil
		case num == stateTags && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				state.Tags = append(state.Tags, v)
			}
			return n, nil
		case num == stateTTL && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			state.TTL = math.Float32frombits(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func unmarshalQuery(payload []byte) (*Query, error) {
	query := &Query{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == queryString && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			query.String = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return query, nil
}

func unmarshalAttribute(payload []byte) (*Attribute, error) {
	attr := &Attribute{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == attributeKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			attr.Key = v
			return n, nil
		case num == attributeValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			attr.Value = v
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return attr, nil
}

// walkFields iterates top-level fields of one message.
// Params: payload message bytes; field consumes one value and returns its length (negative = protowire error).
// Returns: first decode error.
func walkFields(
	payload []byte,
	field func(num protowire.Number, typ protowire.Type, b []byte) (int, error),
) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return protowire.ParseError(n)
		}
		payload = payload[n:]

		consumed, err := field(num, typ, payload)
		if err != nil {
			return err
		}
		if consumed < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(consumed))
		}
		payload = payload[consumed:]
	}
	return nil
}
