package clock

import "fmt"

// HLC представляет значение hybrid logical clock: пара
// (физическое время в миллисекундах, логический счетчик).
// Сравнение лексикографическое: сначала WallMs, затем Logical.
// Нулевое значение означает "часы не установлены".
type HLC struct {
	WallMs  int64  `json:"wall_ms"`  // WallMs физическое время Unix в миллисекундах
	Logical uint32 `json:"logical"`  // Logical счетчик для событий в пределах одной миллисекунды
}

// Compare возвращает -1/0/1 если h меньше/равен/больше other
func (h HLC) Compare(other HLC) int {
	if h.WallMs != other.WallMs {
		if h.WallMs < other.WallMs {
			return -1
		}
		return 1
	}
	if h.Logical != other.Logical {
		if h.Logical < other.Logical {
			return -1
		}
		return 1
	}
	return 0
}

// Before возвращает true, если h строго меньше other
func (h HLC) Before(other HLC) bool { return h.Compare(other) < 0 }

// After возвращает true, если h строго больше other
func (h HLC) After(other HLC) bool { return h.Compare(other) > 0 }

// IsZero возвращает true для неустановленных часов
func (h HLC) IsZero() bool { return h.WallMs == 0 && h.Logical == 0 }

// String возвращает компактное представление для логов
func (h HLC) String() string {
	return fmt.Sprintf("%d.%d", h.WallMs, h.Logical)
}

// maxHLC возвращает больший из двух timestamp
func maxHLC(a, b HLC) HLC {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}
