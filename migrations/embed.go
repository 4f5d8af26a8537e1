// Package migrations embeds the SQL schema applied by db.Migrate.
//
// Only the event log lives here. The tracker table takes a configurable name,
// so tracker.Setup creates it, or an operator does when auto-creation is off.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
