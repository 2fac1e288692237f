package persistence

// tableStatements and indexStatements define the governance schema (§3 data
// model: products, tasks, activities, approvals, capabilities, ext_calls,
// notifications, topics, messages). All timestamps are stored as SQLite
// DATETIME (UTC), all money-free numeric enums as TEXT for readability in
// ad-hoc queries.
var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused', 'killed')),
		risk_level TEXT NOT NULL DEFAULT 'normal' CHECK(risk_level IN ('low', 'normal', 'high')),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		task_type TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'INBOX',
		priority TEXT NOT NULL DEFAULT 'P2',
		scope TEXT NOT NULL DEFAULT 'COMPANY' CHECK(scope IN ('COMPANY', 'PRODUCT')),
		product_id TEXT REFERENCES products(id),
		assigned_group TEXT NOT NULL DEFAULT 'main',
		executor TEXT,
		created_by TEXT NOT NULL DEFAULT 'main',
		gate TEXT NOT NULL DEFAULT 'None',
		dod_required INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS activities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		action TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT,
		actor TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS approvals (
		task_id TEXT NOT NULL REFERENCES tasks(id),
		gate_type TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		notes TEXT,
		evidence_link TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (task_id, gate_type)
	);`,
	`CREATE TABLE IF NOT EXISTS capabilities (
		group_folder TEXT NOT NULL,
		provider TEXT NOT NULL,
		access_level INTEGER NOT NULL CHECK(access_level IN (0, 1, 2, 3)),
		allowed_actions TEXT,
		denied_actions TEXT,
		granted_by TEXT NOT NULL,
		granted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (group_folder, provider)
	);`,
	`CREATE TABLE IF NOT EXISTS capability_approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_folder TEXT NOT NULL,
		provider TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS ext_calls (
		request_id TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		provider TEXT NOT NULL,
		action TEXT NOT NULL,
		access_level INTEGER NOT NULL,
		params_hmac TEXT NOT NULL,
		params_summary TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK(status IN ('authorized', 'processing', 'executed', 'denied', 'failed', 'timeout')),
		denial_reason TEXT,
		result_summary TEXT,
		response_data TEXT,
		task_id TEXT REFERENCES tasks(id),
		product_id TEXT,
		idempotency_key TEXT,
		duration_ms INTEGER,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		target_group TEXT NOT NULL,
		actor TEXT NOT NULL,
		snippet TEXT NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS topics (
		id TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'archived')),
		group_jid TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS topic_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic_id TEXT NOT NULL REFERENCES topics(id),
		actor TEXT NOT NULL,
		body TEXT NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT,
		subject TEXT,
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT,
		policy_version TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_product ON tasks(product_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_group ON tasks(assigned_group, state);`,
	`CREATE INDEX IF NOT EXISTS idx_activities_task ON activities(task_id, id);`,
	`CREATE INDEX IF NOT EXISTS idx_ext_calls_group_status ON ext_calls(group_folder, status);`,
	`CREATE INDEX IF NOT EXISTS idx_ext_calls_idempotency ON ext_calls(idempotency_key, provider, action);`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_target ON notifications(target_group, read);`,
	`CREATE INDEX IF NOT EXISTS idx_topic_messages_topic ON topic_messages(topic_id, id);`,
	`CREATE INDEX IF NOT EXISTS idx_topics_group ON topics(group_folder, status);`,
}
