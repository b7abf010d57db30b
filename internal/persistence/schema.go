package persistence

import "strings"

const schema = `
-- Projects
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL DEFAULT '',
    version BIGINT NOT NULL DEFAULT 0,
    last_modified {{timestamp}} NOT NULL,
    created_at {{timestamp}} NOT NULL
);

-- Scene objects, deleted rows stay as tombstones so ids are never reused
CREATE TABLE IF NOT EXISTS scene_objects (
    project_id TEXT NOT NULL REFERENCES projects(id),
    id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    pos_x DOUBLE PRECISION NOT NULL,
    pos_y DOUBLE PRECISION NOT NULL,
    pos_z DOUBLE PRECISION NOT NULL,
    rot_x DOUBLE PRECISION NOT NULL,
    rot_y DOUBLE PRECISION NOT NULL,
    rot_z DOUBLE PRECISION NOT NULL,
    rot_w DOUBLE PRECISION NOT NULL,
    scale_x DOUBLE PRECISION NOT NULL,
    scale_y DOUBLE PRECISION NOT NULL,
    scale_z DOUBLE PRECISION NOT NULL,
    color_r DOUBLE PRECISION NOT NULL,
    color_g DOUBLE PRECISION NOT NULL,
    color_b DOUBLE PRECISION NOT NULL,
    color_a DOUBLE PRECISION NOT NULL,
    mesh_ref TEXT NOT NULL DEFAULT '',
    version BIGINT NOT NULL,
    deleted_version BIGINT,
    PRIMARY KEY (project_id, id)
);
CREATE INDEX IF NOT EXISTS idx_scene_objects_live ON scene_objects(project_id, deleted_version);

-- Activity log
CREATE TABLE IF NOT EXISTS activity_log (
    id {{serial}},
    project_id TEXT NOT NULL,
    client_id TEXT,
    object_id TEXT,
    activity_type TEXT NOT NULL,
    summary TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '',
    version BIGINT NOT NULL DEFAULT 0,
    created_at {{timestamp}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_project_activity ON activity_log(project_id);
CREATE INDEX IF NOT EXISTS idx_object_activity ON activity_log(object_id);
CREATE INDEX IF NOT EXISTS idx_activity_created_at ON activity_log(created_at);

-- API keys for authentication
CREATE TABLE IF NOT EXISTS api_keys (
    key_hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at {{timestamp}} NOT NULL,
    last_used {{timestamp}}
);
CREATE INDEX IF NOT EXISTS idx_user_keys ON api_keys(user_id);
`

func schemaFor(d Dialect) string {
	r := strings.NewReplacer(
		"{{timestamp}}", "TIMESTAMP",
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
	)
	if d == Postgres {
		r = strings.NewReplacer(
			"{{timestamp}}", "TIMESTAMPTZ",
			"{{serial}}", "BIGSERIAL PRIMARY KEY",
		)
	}
	return r.Replace(schema)
}
