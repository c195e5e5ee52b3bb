package store

// initSchema creates the tables if they don't exist. The DDL is written to
// parse identically under SQLite and PostgreSQL.
func (s *Store) initSchema() error {
	w := s.pool.Writer()
	_, err := w.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		cwd TEXT NOT NULL,
		title TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		mode_id TEXT DEFAULT '',
		model TEXT DEFAULT '',
		thinking_option_id TEXT DEFAULT '',
		provider_session_id TEXT DEFAULT '',
		epoch INTEGER NOT NULL DEFAULT 0,
		labels TEXT DEFAULT '{}',
		last_error TEXT DEFAULT '',
		archived_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS timeline_items (
		agent_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		item_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (agent_id, epoch, seq)
	);

	CREATE TABLE IF NOT EXISTS push_tokens (
		token TEXT PRIMARY KEY,
		platform TEXT DEFAULT '',
		device_name TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	if err != nil {
		return err
	}

	_, err = w.Exec(`
	CREATE INDEX IF NOT EXISTS idx_agents_archived_at ON agents(archived_at);
	CREATE INDEX IF NOT EXISTS idx_timeline_items_agent ON timeline_items(agent_id, epoch, seq);
	`)
	return err
}
