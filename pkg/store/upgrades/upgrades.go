// Copyright 2024-2026 Aiku AI

package upgrades

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// Table holds the schema upgrades for the identity store.
var Table dbutil.UpgradeTable

//go:embed *.sql
var upgrades embed.FS

func init() {
	Table.RegisterFS(upgrades)
}
