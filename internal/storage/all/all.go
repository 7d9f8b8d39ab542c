// Package all registers every run ledger backend.
package all

import (
	_ "microdata/internal/storage/mssql"
	_ "microdata/internal/storage/postgres"
	_ "microdata/internal/storage/sqlite"
)
