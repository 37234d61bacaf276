// Package conformance прогоняет сценарии протокола против живого пира
// и собирает отчет. Suite работает поверх transport.Conn, поэтому один
// и тот же набор проверок применим к in-memory, HTTP и WebSocket пирам.
package conformance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/document"
	"github.com/iudanet/usp/internal/models"
	"github.com/iudanet/usp/internal/transport"
	"github.com/iudanet/usp/pkg/usp"
)

// Config параметры подключения suite к проверяемому пиру
type Config struct {
	NodeID      string // идентификатор узла-пробника; по умолчанию случайный
	AuthToken   string
	Collections []string
}

// Result итог одной проверки
type Result struct {
	Name   string
	Detail string
	Pass   bool
}

// Report итог прогона suite
type Report struct {
	Results []Result
}

// Passed возвращает true, если все проверки прошли
func (r Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Pass {
			return false
		}
	}
	return true
}

// Render печатает отчет в текстовом виде
func (r Report) Render(w io.Writer) {
	passed := 0
	for _, res := range r.Results {
		status := "FAIL"
		if res.Pass {
			status = "PASS"
			passed++
		}
		fmt.Fprintf(w, "%s  %-26s %s\n", status, res.Name, res.Detail)
	}
	fmt.Fprintf(w, "\n%d/%d checks passed\n", passed, len(r.Results))
}

// Suite упорядоченный набор проверок протокола
type Suite struct {
	cfg    Config
	logger *slog.Logger
}

// New создает suite. Случайный NodeID дает каждому прогону чистое
// состояние checkpoint-ов на стороне пира.
func New(cfg Config, logger *slog.Logger) *Suite {
	if cfg.NodeID == "" {
		cfg.NodeID = "conform-" + uuid.NewString()
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = []string{"conformance"}
	}
	return &Suite{cfg: cfg, logger: logger}
}

// check одна именованная проверка. Возвращенная ошибка означает провал,
// detail попадает в отчет в обоих случаях.
type check struct {
	name string
	run  func(ctx context.Context, h *harness) (detail string, err error)
}

// Run выполняет все проверки по порядку. Проверки независимы:
// провал одной не прерывает прогон.
func (s *Suite) Run(ctx context.Context, conn transport.Conn) Report {
	clk := clock.NewWithNodeID(s.cfg.NodeID)
	h := &harness{
		conn: conn,
		cfg:  s.cfg,
		docs: document.NewStore(clk),
	}

	var report Report
	for _, c := range checks {
		detail, err := c.run(ctx, h)
		res := Result{Name: c.name, Pass: err == nil, Detail: detail}
		if err != nil {
			res.Detail = err.Error()
			s.logger.Warn("Conformance check failed", "check", c.name, "error", err)
		} else {
			s.logger.Info("Conformance check passed", "check", c.name)
		}
		report.Results = append(report.Results, res)
	}
	return report
}

// harness состояние, разделяемое проверками одного прогона
type harness struct {
	conn      transport.Conn
	docs      *document.Store
	cfg       Config
	sessionID string
	seq       int
}

// sendRaw доставляет конверт как есть и декодирует ответ.
// Error конверт возвращается декодированным payload-ом, не ошибкой:
// половина проверок ожидает именно его.
func (h *harness) sendRaw(ctx context.Context, env *usp.Envelope) (any, error) {
	reply, err := h.conn.Exchange(ctx, env)
	if err != nil {
		return nil, err
	}
	return reply.DecodePayload()
}

// send строит конверт с текущими часами пробника и отправляет его
func (h *harness) send(ctx context.Context, typ usp.MessageType, payload any) (any, error) {
	stamp := h.docs.Clock().Current()
	env, err := usp.NewEnvelope(typ, usp.Timestamp{
		WallMs:  stamp.Time.WallMs,
		Logical: stamp.Time.Logical,
	}, payload)
	if err != nil {
		return nil, err
	}
	return h.sendRaw(ctx, env)
}

// open выполняет handshake и запоминает сессию
func (h *harness) open(ctx context.Context, caps ...string) (usp.HandshakeAck, error) {
	if len(caps) == 0 {
		caps = []string{usp.CapPush, usp.CapPull}
	}
	decoded, err := h.send(ctx, usp.TypeHandshake, usp.Handshake{
		NodeID:       h.cfg.NodeID,
		AuthToken:    h.cfg.AuthToken,
		Collections:  h.cfg.Collections,
		Capabilities: caps,
	})
	if err != nil {
		return usp.HandshakeAck{}, err
	}
	ack, ok := decoded.(usp.HandshakeAck)
	if !ok {
		return usp.HandshakeAck{}, fmt.Errorf("expected handshake-ack, got %T", decoded)
	}
	if ack.Accepted {
		h.sessionID = ack.SessionID
	}
	return ack, nil
}

// record создает свежую запись на реплике пробника
func (h *harness) record(value string) (usp.ChangeRecord, error) {
	h.seq++
	rec, err := h.docs.ApplyLocal(h.cfg.Collections[0], fmt.Sprintf("doc-%04d", h.seq),
		models.OpUpdate, []models.FieldOp{{Field: "value", Value: []byte(`"` + value + `"`)}})
	if err != nil {
		return usp.ChangeRecord{}, err
	}
	return rec.Wire(), nil
}

// tail докручивает pull до конца лога пира и возвращает позицию хвоста
func (h *harness) tail(ctx context.Context) (string, error) {
	checkpoint := ""
	for {
		decoded, err := h.send(ctx, usp.TypePull, usp.Pull{
			SessionID:  h.sessionID,
			Checkpoint: checkpoint,
			Limit:      500,
		})
		if err != nil {
			return "", err
		}
		resp, ok := decoded.(usp.PullResponse)
		if !ok {
			return "", fmt.Errorf("expected pull-response, got %T", decoded)
		}
		if resp.Checkpoint != "" {
			checkpoint = resp.Checkpoint
		}
		if !resp.HasMore {
			return checkpoint, nil
		}
	}
}

// expectError распознает отказ пира в обеих формах: error конверт
// и транспортная ошибка с кодом протокола
func expectError(decoded any, err error, code usp.ErrorCode) error {
	if err != nil {
		var wireErr *usp.WireError
		if errors.As(err, &wireErr) && wireErr.Code == code {
			return nil
		}
		return fmt.Errorf("expected %s, got transport error: %w", code, err)
	}
	payload, ok := decoded.(usp.ErrorPayload)
	if !ok {
		return fmt.Errorf("expected %s error, got %T", code, decoded)
	}
	if payload.Code != code {
		return fmt.Errorf("expected %s, got %s: %s", code, payload.Code, payload.Message)
	}
	return nil
}
