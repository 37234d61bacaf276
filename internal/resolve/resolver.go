// Package resolve реализует диспетчеризацию стратегий разрешения
// конфликтов. Стратегия - закрытый sum type, а не открытая иерархия:
// исчерпывающий switch вместо виртуального диспатча.
package resolve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/models"
)

// Kind тип встроенной стратегии разрешения конфликтов
type Kind int

const (
	// ServerWins сторона-сервер побеждает без инспекции данных
	ServerWins Kind = iota
	// ClientWins сторона-клиент побеждает без инспекции данных
	ClientWins
	// LastWriteWins побеждает документ с более поздним timestamp;
	// tie-break по NodeID, тем же правилом, что и в LWW регистре
	LastWriteWins
	// Merge field-level CRDT слияние с LWW fallback на поле
	Merge
	// Custom пользовательская функция разрешения
	Custom
)

// String возвращает имя стратегии для логов
func (k Kind) String() string {
	switch k {
	case ServerWins:
		return "server-wins"
	case ClientWins:
		return "client-wins"
	case LastWriteWins:
		return "last-write-wins"
	case Merge:
		return "merge"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// Role роль локальной стороны в сессии
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// CustomFunc пользовательский резолвер. Возвращенное значение
// принимается как финальное. Ошибка оставляет конфликт неразрешенным:
// он будет повторен на следующем цикле синхронизации, никогда
// не отбрасывается молча.
type CustomFunc func(local, remote, base *models.DocumentState) (*models.DocumentState, error)

// Strategy конфигурация стратегии: kind плюс функция для Custom
type Strategy struct {
	Fn   CustomFunc
	Kind Kind
}

// Winner указывает происхождение выбранного документа
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
	WinnerCustom Winner = "custom"
)

// Resolution результат разрешения одного конфликта.
// LossyFields перечисляет поля, разрешенные LWW fallback-ом внутри
// merge стратегии ("resolved-with-loss" для observability).
type Resolution struct {
	Doc         *models.DocumentState
	Winner      Winner
	LossyFields []string
}

// Resolver применяет сконфигурированную стратегию к конфликтам
type Resolver struct {
	logger   *slog.Logger
	strategy Strategy
	role     Role
}

// New создает резолвер для заданной роли
func New(strategy Strategy, role Role, logger *slog.Logger) (*Resolver, error) {
	if strategy.Kind == Custom && strategy.Fn == nil {
		return nil, fmt.Errorf("custom strategy requires a resolver function")
	}
	return &Resolver{strategy: strategy, role: role, logger: logger}, nil
}

// Evaluate разрешает конфликт. Ошибка означает "не разрешен,
// повторить на следующем цикле".
func (r *Resolver) Evaluate(conflict models.Conflict) (Resolution, error) {
	if conflict.Local == nil || conflict.Remote == nil {
		return Resolution{}, fmt.Errorf("conflict for %s/%s is missing a side",
			conflict.Collection, conflict.DocumentID)
	}

	switch r.strategy.Kind {
	case ServerWins:
		return r.byRole(conflict, RoleServer), nil
	case ClientWins:
		return r.byRole(conflict, RoleClient), nil
	case LastWriteWins:
		return r.lastWriteWins(conflict), nil
	case Merge:
		return r.merge(conflict), nil
	case Custom:
		return r.custom(conflict)
	default:
		return Resolution{}, fmt.Errorf("unknown conflict strategy %d", r.strategy.Kind)
	}
}

// byRole выбирает сторону по роли, без инспекции данных
func (r *Resolver) byRole(conflict models.Conflict, wins Role) Resolution {
	if r.role == wins {
		return Resolution{Doc: conflict.Local.Clone(), Winner: WinnerLocal}
	}
	return Resolution{Doc: conflict.Remote.Clone(), Winner: WinnerRemote}
}

// lastWriteWins сравнивает timestamp документов; tie-break по NodeID
// идентичен правилу LWW регистра, чтобы все пути сходились одинаково.
func (r *Resolver) lastWriteWins(conflict models.Conflict) Resolution {
	local := clock.Stamp{Time: conflict.Local.Meta.UpdatedAt, NodeID: conflict.Local.Meta.UpdatedBy}
	remote := clock.Stamp{Time: conflict.Remote.Meta.UpdatedAt, NodeID: conflict.Remote.Meta.UpdatedBy}

	if local.CompareLWW(remote) {
		return Resolution{Doc: conflict.Local.Clone(), Winner: WinnerLocal}
	}
	return Resolution{Doc: conflict.Remote.Clone(), Winner: WinnerRemote}
}

// merge выполняет field-level слияние снимков. Поле, которое обе
// стороны заменили разными значениями, не мержится независимо -
// такое поле падает в LWW и отмечается как resolved-with-loss.
func (r *Resolver) merge(conflict models.Conflict) Resolution {
	local, remote := conflict.Local, conflict.Remote

	lwwDoc := r.lastWriteWins(conflict).Doc
	merged := lwwDoc.Clone()
	merged.Fields = make(map[string]json.RawMessage)

	var lossy []string
	for _, field := range unionKeys(local.Fields, remote.Fields) {
		lv, lok := local.Fields[field]
		rv, rok := remote.Fields[field]

		switch {
		case lok && !rok:
			merged.Fields[field] = lv
		case rok && !lok:
			merged.Fields[field] = rv
		case bytes.Equal(lv, rv):
			merged.Fields[field] = lv
		default:
			// Обе стороны заменили поле целиком: LWW fallback
			merged.Fields[field] = lwwDoc.Fields[field]
			lossy = append(lossy, field)
		}
	}

	if len(lossy) > 0 && r.logger != nil {
		r.logger.Warn("Conflict resolved with loss",
			"collection", conflict.Collection,
			"document_id", conflict.DocumentID,
			"lossy_fields", lossy)
	}

	return Resolution{Doc: merged, Winner: WinnerMerged, LossyFields: lossy}
}

// custom вызывает пользовательский резолвер, доверяя его результату
func (r *Resolver) custom(conflict models.Conflict) (Resolution, error) {
	doc, err := r.strategy.Fn(conflict.Local, conflict.Remote, conflict.Base)
	if err != nil {
		return Resolution{}, fmt.Errorf("custom resolver for %s/%s: %w",
			conflict.Collection, conflict.DocumentID, err)
	}
	if doc == nil {
		return Resolution{}, fmt.Errorf("custom resolver for %s/%s returned no document",
			conflict.Collection, conflict.DocumentID)
	}
	return Resolution{Doc: doc, Winner: WinnerCustom}, nil
}

// unionKeys возвращает отсортированное объединение ключей двух map
func unionKeys(a, b map[string]json.RawMessage) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
