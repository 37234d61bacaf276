package usp

import "encoding/json"

// ChangeRecord wire-форма записи об изменении документа.
// Seq присваивается стороной-владельцем лога и монотонно растет;
// по нему строятся checkpoint-ы пагинации.
type ChangeRecord struct {
	VectorClock map[string]uint64 `json:"vector_clock"`
	ID          string            `json:"id"`
	Collection  string            `json:"collection"`
	DocumentID  string            `json:"document_id"`
	Operation   string            `json:"operation"`
	NodeID      string            `json:"node_id"`
	Fields      []FieldOp         `json:"fields,omitempty"`
	Timestamp   Timestamp         `json:"timestamp"`
	Seq         uint64            `json:"seq,omitempty"`
}

// FieldOp одна field-level дельта внутри change record
type FieldOp struct {
	Field  string          `json:"field"`
	Value  json.RawMessage `json:"value,omitempty"`
	Remove bool            `json:"remove,omitempty"`
}

// Document wire-снимок состояния документа. Передается в conflict
// сообщениях и в rejected записях push-ack, чтобы инициатор мог
// разрешить конфликт без дополнительного pull.
type Document struct {
	Fields     map[string]json.RawMessage `json:"fields"`
	Revision   map[string]uint64          `json:"revision"`
	ID         string                     `json:"id"`
	Collection string                     `json:"collection"`
	UpdatedBy  string                     `json:"updated_by,omitempty"`
	DeletedBy  string                     `json:"deleted_by,omitempty"`
	UpdatedAt  Timestamp                  `json:"updated_at"`
	DeletedAt  Timestamp                  `json:"deleted_at,omitempty"`
	Deleted    bool                       `json:"deleted,omitempty"`
}

// Handshake первое сообщение сессии от инициатора
type Handshake struct {
	NodeID       string   `json:"node_id"`
	AuthToken    string   `json:"auth_token,omitempty"`
	Collections  []string `json:"collections,omitempty"`
	Capabilities []string `json:"capabilities"`
}

func (p Handshake) validate() error {
	if p.NodeID == "" {
		return invalidMessage("handshake is missing node_id")
	}
	if len(p.Capabilities) == 0 {
		return invalidMessage("handshake is missing capabilities")
	}
	return nil
}

// HandshakeAck ответ responder-а на handshake. Capabilities -
// пересечение возможностей сторон; сессия работает только в нем.
// Checkpoint - последняя подтвержденная responder-ом позиция
// инициатора, с нее возобновляется pull.
type HandshakeAck struct {
	SessionID    string   `json:"session_id,omitempty"`
	Checkpoint   string   `json:"checkpoint,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Accepted     bool     `json:"accepted"`
}

func (p HandshakeAck) validate() error {
	if p.Accepted && p.SessionID == "" {
		return invalidMessage("handshake-ack accepted without session_id")
	}
	if !p.Accepted && p.Reason == "" {
		return invalidMessage("handshake-ack rejected without reason")
	}
	return nil
}

// Push батч локальных изменений инициатора
type Push struct {
	SessionID string         `json:"session_id"`
	Records   []ChangeRecord `json:"records"`
}

func (p Push) validate() error {
	if p.SessionID == "" {
		return invalidMessage("push is missing session_id")
	}
	if len(p.Records) == 0 {
		return invalidMessage("push carries no records")
	}
	for i, rec := range p.Records {
		if rec.ID == "" || rec.Collection == "" || rec.DocumentID == "" || rec.NodeID == "" {
			return invalidMessage("push record %d is missing required fields", i)
		}
	}
	return nil
}

// PushReject одна отклоненная запись push-а
type PushReject struct {
	Remote   *Document `json:"remote,omitempty"`
	RecordID string    `json:"record_id"`
	Reason   string    `json:"reason"`
	Code     ErrorCode `json:"code,omitempty"`
}

// PushAck ответ на push. Каждая запись push-а попадает ровно в одну
// из частей accepted/rejected - частичного молчания не бывает.
// Checkpoint отражает позицию после применения accepted записей.
type PushAck struct {
	Checkpoint string       `json:"checkpoint,omitempty"`
	Accepted   []string     `json:"accepted"`
	Rejected   []PushReject `json:"rejected,omitempty"`
}

func (p PushAck) validate() error {
	for i, rej := range p.Rejected {
		if rej.RecordID == "" {
			return invalidMessage("push-ack rejected entry %d is missing record_id", i)
		}
	}
	return nil
}

// Pull запрос изменений, которых инициатор еще не видел
type Pull struct {
	SessionID   string   `json:"session_id"`
	Checkpoint  string   `json:"checkpoint,omitempty"`
	Collections []string `json:"collections,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

func (p Pull) validate() error {
	if p.SessionID == "" {
		return invalidMessage("pull is missing session_id")
	}
	if p.Limit < 0 {
		return invalidMessage("pull limit must be non-negative")
	}
	return nil
}

// PullResponse страница изменений. HasMore сигналит, что за
// checkpoint-ом остались еще записи и нужен следующий pull.
type PullResponse struct {
	Checkpoint string         `json:"checkpoint"`
	Records    []ChangeRecord `json:"records"`
	HasMore    bool           `json:"has_more,omitempty"`
}

func (p PullResponse) validate() error { return nil }

// CheckpointExchange явная фиксация позиции инициатора
type CheckpointExchange struct {
	SessionID  string `json:"session_id"`
	Checkpoint string `json:"checkpoint"`
}

func (p CheckpointExchange) validate() error {
	if p.SessionID == "" {
		return invalidMessage("checkpoint is missing session_id")
	}
	if p.Checkpoint == "" {
		return invalidMessage("checkpoint is missing checkpoint token")
	}
	return nil
}

// CheckpointAck подтверждение фиксации
type CheckpointAck struct {
	Checkpoint string `json:"checkpoint"`
}

func (p CheckpointAck) validate() error {
	if p.Checkpoint == "" {
		return invalidMessage("checkpoint-ack is missing checkpoint token")
	}
	return nil
}

// ConflictNotice уведомление о конкурентном изменении документа.
// Base заполняется, если общий предок известен.
type ConflictNotice struct {
	Local      *Document `json:"local"`
	Remote     *Document `json:"remote"`
	Base       *Document `json:"base,omitempty"`
	Collection string    `json:"collection"`
	DocumentID string    `json:"document_id"`
}

func (p ConflictNotice) validate() error {
	if p.Collection == "" || p.DocumentID == "" {
		return invalidMessage("conflict is missing document identity")
	}
	if p.Local == nil || p.Remote == nil {
		return invalidMessage("conflict for %s/%s is missing a side", p.Collection, p.DocumentID)
	}
	return nil
}

// ConflictResolution результат разрешения конфликта
type ConflictResolution struct {
	Resolved   *Document `json:"resolved"`
	SessionID  string    `json:"session_id,omitempty"`
	Collection string    `json:"collection"`
	DocumentID string    `json:"document_id"`
	Winner     string    `json:"winner"`
}

func (p ConflictResolution) validate() error {
	if p.Collection == "" || p.DocumentID == "" {
		return invalidMessage("conflict-resolution is missing document identity")
	}
	if p.Resolved == nil {
		return invalidMessage("conflict-resolution for %s/%s is missing resolved document", p.Collection, p.DocumentID)
	}
	return nil
}

// Ping liveness проба; момент отправки лежит в timestamp конверта
type Ping struct{}

func (p Ping) validate() error { return nil }

// Pong ответ на ping: эхо timestamp-а пробы плюс собственные часы
// отвечающего, чтобы инициатор мог влить их в свой HLC.
type Pong struct {
	PingTimestamp Timestamp `json:"ping_timestamp"`
	Clock         Timestamp `json:"clock"`
}

func (p Pong) validate() error { return nil }

// ErrorPayload wire-форма ошибки протокола
type ErrorPayload struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (p ErrorPayload) validate() error {
	if p.Code == "" {
		return invalidMessage("error payload is missing code")
	}
	return nil
}

// Err конвертирует payload обратно в WireError
func (p ErrorPayload) Err() *WireError {
	return &WireError{Code: p.Code, Message: p.Message}
}
