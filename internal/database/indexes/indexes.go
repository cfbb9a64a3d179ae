package indexes

import (
	"strings"

	"github.com/pterm/pterm"
	"gorm.io/gorm"
)

// Definition is one index the history tables are expected to carry
type Definition struct {
	Table string
	Name  string
	SQL   string
}

var expectedDefinitions = []Definition{
	// Combined report and API range scans
	{Table: "report_runs", Name: "idx_kind_created", SQL: `CREATE INDEX IF NOT EXISTS idx_kind_created ON report_runs(kind, created_at)`},
	{Table: "report_runs", Name: "idx_runs_created", SQL: `CREATE INDEX IF NOT EXISTS idx_runs_created ON report_runs(created_at DESC)`},

	// Offender listing
	{Table: "offenders", Name: "idx_offender_rank", SQL: `CREATE INDEX IF NOT EXISTS idx_offender_rank ON offenders(times_flagged DESC, last_seen DESC)`},
}

// Ensure creates missing indexes and drops ones no longer expected on the
// history tables. Indexes declared on the models are left alone.
func Ensure(db *gorm.DB, logger *pterm.Logger) (created int, dropped int, err error) {
	tables := make(map[string]struct{})
	expected := make(map[string]struct{}, len(expectedDefinitions))
	for _, def := range expectedDefinitions {
		tables[def.Table] = struct{}{}
		expected[def.Name] = struct{}{}
	}

	existing := make(map[string]string)
	for table := range tables {
		names, err := fetchExistingIndexes(db, table)
		if err != nil {
			return 0, 0, err
		}
		for _, name := range names {
			existing[name] = table
		}
	}

	for name, table := range existing {
		if _, ok := expected[name]; ok || isModelIndex(table, name) {
			continue
		}
		if err := db.Exec("DROP INDEX IF EXISTS " + name).Error; err != nil {
			logger.Warn("Failed to drop index", logger.Args("index", name, "error", err))
			continue
		}
		dropped++
	}

	for _, def := range expectedDefinitions {
		if err := db.Exec(def.SQL).Error; err != nil {
			logger.Warn("Failed to create index", logger.Args("index", def.Name, "error", err))
			return created, dropped, err
		}
		if _, ok := existing[def.Name]; !ok {
			created++
		}
	}

	return created, dropped, nil
}

// isModelIndex reports whether gorm manages the index from a struct tag.
// gorm names those idx_<table>_<column>.
func isModelIndex(table, name string) bool {
	return strings.HasPrefix(name, "idx_"+table+"_")
}

func fetchExistingIndexes(db *gorm.DB, table string) ([]string, error) {
	var names []string
	rows, err := db.Raw(`SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=? AND name NOT LIKE 'sqlite_%'`, table).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}
