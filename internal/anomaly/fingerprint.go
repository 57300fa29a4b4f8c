package anomaly

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

// Fingerprint derives the stable identity of one anomaly condition. The same
// provider and breach family always hash to the same signature regardless of
// which models or regions happen to be affected in a given cycle, so an
// ongoing condition updates its signal instead of minting new ones.
func Fingerprint(provider string, breach model.BreachType) model.Fingerprint {
	tags := []string{
		"provider:" + strings.ToLower(strings.TrimSpace(provider)),
		"breach:" + string(breach),
	}
	sort.Strings(tags)
	sum := sha256.Sum256([]byte(strings.Join(tags, "|")))
	return model.Fingerprint{Tags: tags, Signature: hex.EncodeToString(sum[:])}
}
