// Package usp определяет wire-протокол синхронизации реплик:
// конверты сообщений, типизированные payload-ы, таксономию ошибок
// и checkpoint-токены. Формат - JSON с стабильными именами полей;
// payload выбирается закрытым tagged union по полю type.
package usp

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolName значение поля protocol в каждом конверте
const ProtocolName = "usp"

// MessageType тип сообщения протокола
type MessageType string

const (
	TypeHandshake          MessageType = "handshake"
	TypeHandshakeAck       MessageType = "handshake-ack"
	TypePush               MessageType = "push"
	TypePushAck            MessageType = "push-ack"
	TypePull               MessageType = "pull"
	TypePullResponse       MessageType = "pull-response"
	TypeCheckpoint         MessageType = "checkpoint"
	TypeCheckpointAck      MessageType = "checkpoint-ack"
	TypeConflict           MessageType = "conflict"
	TypeConflictResolution MessageType = "conflict-resolution"
	TypePing               MessageType = "ping"
	TypePong               MessageType = "pong"
	TypeError              MessageType = "error"
)

// knownTypes закрытое множество типов сообщений
var knownTypes = map[MessageType]struct{}{
	TypeHandshake: {}, TypeHandshakeAck: {},
	TypePush: {}, TypePushAck: {},
	TypePull: {}, TypePullResponse: {},
	TypeCheckpoint: {}, TypeCheckpointAck: {},
	TypeConflict: {}, TypeConflictResolution: {},
	TypePing: {}, TypePong: {},
	TypeError: {},
}

// Timestamp wire-форма HLC timestamp: пара (физические миллисекунды,
// логический счетчик), сравнение лексикографическое.
type Timestamp struct {
	WallMs  int64  `json:"wall_ms"`
	Logical uint32 `json:"logical"`
}

// Compare возвращает -1/0/1 для lexicographic порядка пар
func (t Timestamp) Compare(other Timestamp) int {
	if t.WallMs != other.WallMs {
		if t.WallMs < other.WallMs {
			return -1
		}
		return 1
	}
	if t.Logical != other.Logical {
		if t.Logical < other.Logical {
			return -1
		}
		return 1
	}
	return 0
}

// Envelope конверт каждого сообщения протокола.
// ID уникален на сообщение: по нему коррелируются запрос/ответ
// и детектируются идемпотентные повторы.
type Envelope struct {
	Protocol  string          `json:"protocol"`
	Version   string          `json:"version"`
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp Timestamp       `json:"timestamp"`
}

// NewEnvelope создает конверт текущей версии протокола
// с уникальным id и сериализованным payload.
func NewEnvelope(typ MessageType, ts Timestamp, payload any) (*Envelope, error) {
	env := &Envelope{
		Protocol:  ProtocolName,
		Version:   CurrentVersion,
		Type:      typ,
		ID:        uuid.New().String(),
		Timestamp: ts,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Encode сериализует конверт в JSON
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode разбирает и валидирует конверт. Ошибки схемы возвращаются
// как *WireError с кодом INVALID_MESSAGE или VERSION_MISMATCH.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalidMessage("malformed envelope JSON: %v", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate проверяет конверт против схемы протокола
func (e *Envelope) Validate() error {
	if e.Protocol != ProtocolName {
		return invalidMessage("unknown protocol %q", e.Protocol)
	}
	if err := CheckVersion(e.Version); err != nil {
		return err
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return invalidMessage("unknown message type %q", e.Type)
	}
	if e.ID == "" {
		return invalidMessage("%s message is missing id", e.Type)
	}
	return nil
}

// DecodePayload разбирает payload конверта в типизированную структуру
// своего типа сообщения и валидирует обязательные поля.
// Exhaustive switch - единственное место маппинга type -> payload.
func (e *Envelope) DecodePayload() (any, error) {
	switch e.Type {
	case TypeHandshake:
		return decodeInto[Handshake](e)
	case TypeHandshakeAck:
		return decodeInto[HandshakeAck](e)
	case TypePush:
		return decodeInto[Push](e)
	case TypePushAck:
		return decodeInto[PushAck](e)
	case TypePull:
		return decodeInto[Pull](e)
	case TypePullResponse:
		return decodeInto[PullResponse](e)
	case TypeCheckpoint:
		return decodeInto[CheckpointExchange](e)
	case TypeCheckpointAck:
		return decodeInto[CheckpointAck](e)
	case TypeConflict:
		return decodeInto[ConflictNotice](e)
	case TypeConflictResolution:
		return decodeInto[ConflictResolution](e)
	case TypePing:
		return decodeInto[Ping](e)
	case TypePong:
		return decodeInto[Pong](e)
	case TypeError:
		return decodeInto[ErrorPayload](e)
	default:
		return nil, invalidMessage("unknown message type %q", e.Type)
	}
}

// payloadValidator проверка обязательных полей payload
type payloadValidator interface {
	validate() error
}

// decodeInto разбирает payload в конкретный тип и валидирует его
func decodeInto[T payloadValidator](e *Envelope) (T, error) {
	var payload T
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			var zero T
			return zero, invalidMessage("malformed %s payload: %v", e.Type, err)
		}
	}
	if err := payload.validate(); err != nil {
		var zero T
		return zero, err
	}
	return payload, nil
}
