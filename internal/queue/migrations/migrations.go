// Package migrations embeds the PEQ schema so the agent binary carries
// its own migrations rather than depending on files deployed alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
