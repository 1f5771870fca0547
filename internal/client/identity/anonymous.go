package identity

import (
	"regexp"
	"strings"

	"github.com/dmitrijs2005/purchasesync/internal/common"
	"github.com/google/uuid"
)

var anonymousPattern = regexp.MustCompile(`^` + regexp.QuoteMeta(common.AnonymousIDPrefix) + `[0-9a-f]{32}$`)

// GenerateAnonymousID returns the reserved prefix followed by a random UUID
// as 32 lowercase hex characters.
func GenerateAnonymousID() string {
	return common.AnonymousIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsAnonymous reports whether id has the generated anonymous format.
func IsAnonymous(id string) bool {
	return anonymousPattern.MatchString(id)
}
