package db

const (
	UpsertJob = `
		INSERT INTO jobs (id, status, priority, printer_id, batch_id, data)
		VALUES (:id, :status, :priority, :printer_id, :batch_id, :data)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			printer_id = excluded.printer_id,
			batch_id = excluded.batch_id,
			data = excluded.data
	`

	GetJobByID = `SELECT seq, id, status, priority, printer_id, batch_id, data FROM jobs WHERE id = ?`

	ListJobs = `SELECT seq, id, status, priority, printer_id, batch_id, data FROM jobs ORDER BY seq ASC`

	ListJobsByStatus = `
		SELECT seq, id, status, priority, printer_id, batch_id, data
		FROM jobs WHERE status IN (?) ORDER BY seq ASC
	`

	DeleteJob = `DELETE FROM jobs WHERE id = ?`
)

const (
	UpsertPrinter = `
		INSERT INTO printers (id, status, data) VALUES (:id, :status, :data)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data
	`

	GetPrinterByID = `SELECT id, status, data FROM printers WHERE id = ?`

	ListPrinters = `SELECT id, status, data FROM printers ORDER BY id ASC`

	DeletePrinter = `DELETE FROM printers WHERE id = ?`
)

const (
	InsertRule = `INSERT INTO rules (id, active, version, data) VALUES (:id, :active, :version, :data)`

	GetRuleByID = `SELECT seq, id, active, version, data FROM rules WHERE id = ?`

	ListRules = `SELECT seq, id, active, version, data FROM rules ORDER BY seq ASC`

	ListActiveRules = `SELECT seq, id, active, version, data FROM rules WHERE active = 1 ORDER BY seq ASC`

	UpdateRule = `UPDATE rules SET active = :active, version = :version, data = :data WHERE id = :id`

	DeleteRule = `DELETE FROM rules WHERE id = ?`

	InsertRuleVersion = `INSERT INTO rule_versions (rule_id, version, data) VALUES (?, ?, ?)`

	ListRuleVersions = `SELECT data FROM rule_versions WHERE rule_id = ? ORDER BY version ASC`

	DeleteRuleVersions = `DELETE FROM rule_versions WHERE rule_id = ?`
)
