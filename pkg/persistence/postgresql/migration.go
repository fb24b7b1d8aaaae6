package postgresql

// migrations returns the ordered schema migrations for the run store.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				flow_name TEXT NOT NULL,
				flow_version TEXT NOT NULL DEFAULT '',
				identity TEXT NOT NULL,
				participants JSONB NOT NULL DEFAULT '[]',
				inputs JSONB NOT NULL DEFAULT '{}',
				status TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE IF NOT EXISTS step_states (
				run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				step_id TEXT NOT NULL,
				status TEXT NOT NULL,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				outputs JSONB NOT NULL DEFAULT '{}',
				participants_done JSONB NOT NULL DEFAULT '[]',
				error TEXT NOT NULL DEFAULT '',
				error_kind TEXT NOT NULL DEFAULT '',
				next_retry_at TIMESTAMP WITH TIME ZONE,
				waiting_since TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (run_id, step_id)
			);

			CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
			CREATE INDEX IF NOT EXISTS idx_step_states_status ON step_states(status);
		`,
	}
}
