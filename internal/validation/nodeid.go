package validation

import (
	"fmt"
	"regexp"
)

// NodeIDPattern определяет допустимый формат идентификатора узла.
// Латинские буквы, цифры, точка, дефис и нижнее подчеркивание.
// Идентификатор попадает в ключи векторных часов, JWT claims и
// checkpoint токены, поэтому формат фиксирован на всех репликах.
var NodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// MaxNodeIDLen максимальная длина идентификатора узла
const MaxNodeIDLen = 64

// ValidateNodeID проверяет, что идентификатор узла соответствует формату
func ValidateNodeID(nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("node id cannot be empty")
	}

	if len(nodeID) > MaxNodeIDLen {
		return fmt.Errorf("node id must not exceed %d characters", MaxNodeIDLen)
	}

	if !NodeIDPattern.MatchString(nodeID) {
		return fmt.Errorf("node id can only contain letters, numbers, dots, hyphens and underscores")
	}

	return nil
}

// ValidateCollection проверяет имя коллекции. Правила совпадают
// с идентификаторами узлов: имя попадает в хранилище и на провод.
func ValidateCollection(name string) error {
	if name == "" {
		return fmt.Errorf("collection name cannot be empty")
	}

	if len(name) > MaxNodeIDLen {
		return fmt.Errorf("collection name must not exceed %d characters", MaxNodeIDLen)
	}

	if !NodeIDPattern.MatchString(name) {
		return fmt.Errorf("collection name can only contain letters, numbers, dots, hyphens and underscores")
	}

	return nil
}
