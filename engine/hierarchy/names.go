package hierarchy

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/storage"
)

// reservedNames may only be created by the engine itself.
var reservedNames = []string{"inbox", "outbox", "notifications", "pending-inbox"}

var nameRules = []validation.Rule{
	validation.Required.Error("name is required"),
	validation.Length(1, 255).Error("name must be 1 to 255 characters"),
	validation.By(noSeparator),
	validation.NotIn(".", "..").Error("name is a relative path element"),
}

func noSeparator(value any) error {
	s, _ := value.(string)
	if strings.Contains(s, storage.Separator) {
		return errors.New("name contains a path separator")
	}
	return nil
}

// ValidateName checks a proposed collection or resource name. Reserved
// names pass only when internal is set.
func ValidateName(name string, internal bool) error {
	if err := validation.Validate(name, nameRules...); err != nil {
		return apperr.Structural(apperr.BadName, "", "%v", err).WithName(name)
	}
	if !internal && isReserved(name) {
		return apperr.Structural(apperr.ReservedName, "", "name is reserved").WithName(name)
	}
	return nil
}

func isReserved(name string) bool {
	for _, r := range reservedNames {
		if strings.EqualFold(name, r) {
			return true
		}
	}
	return false
}
