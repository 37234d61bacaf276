package usp

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Checkpoint позиция в change log-е конкретного узла: номер последней
// виденной записи плюс id узла-владельца лога. На wire передается
// непрозрачным токеном - получатель не интерпретирует чужие checkpoint-ы,
// только возвращает их владельцу.
type Checkpoint struct {
	NodeID string
	Seq    uint64
}

// IsZero сообщает, что checkpoint указывает на начало лога
func (c Checkpoint) IsZero() bool {
	return c.Seq == 0 && c.NodeID == ""
}

// Compare возвращает -1/0/1 для checkpoint-ов одного лога.
// Сравнивать checkpoint-ы разных узлов бессмысленно - это ошибка.
func (c Checkpoint) Compare(other Checkpoint) (int, error) {
	if c.NodeID != other.NodeID && !c.IsZero() && !other.IsZero() {
		return 0, fmt.Errorf("checkpoints belong to different logs: %q vs %q", c.NodeID, other.NodeID)
	}
	switch {
	case c.Seq < other.Seq:
		return -1, nil
	case c.Seq > other.Seq:
		return 1, nil
	default:
		return 0, nil
	}
}

// String кодирует checkpoint в непрозрачный wire-токен
func (c Checkpoint) String() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatUint(c.Seq, 10) + "@" + c.NodeID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCheckpoint декодирует wire-токен. Пустой токен - начало лога.
func ParseCheckpoint(token string) (Checkpoint, error) {
	if token == "" {
		return Checkpoint{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Checkpoint{}, invalidMessage("malformed checkpoint token: %v", err)
	}
	seqStr, nodeID, ok := strings.Cut(string(raw), "@")
	if !ok || nodeID == "" {
		return Checkpoint{}, invalidMessage("malformed checkpoint token %q", raw)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return Checkpoint{}, invalidMessage("malformed checkpoint seq %q", seqStr)
	}
	return Checkpoint{Seq: seq, NodeID: nodeID}, nil
}
