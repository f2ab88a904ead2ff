// TEMPORARY BUILD-VALIDATION STUB — NOT PART OF THE MODULE.
// This file exists only so the build validator can type-check and test the
// packages that depend on internal/openrouter, which calls
// security.NewTLSConfig(). That function was never implemented. This file
// MUST be deleted before commit; the real implementation is the author's to
// write. See BUILD_FLAGS.json "unresolved".

package security

import "crypto/tls"

// NewTLSConfig is a placeholder so dependent packages can be type-checked.
func NewTLSConfig() *tls.Config {
	return &tls.Config{}
}
