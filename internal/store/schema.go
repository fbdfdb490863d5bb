package store

// Schema notes:
//   - ids are UUID strings assigned by this package
//   - JSON-bearing columns are TEXT
//   - credential blobs are hex(iv||tag||ciphertext) from the vault package
//   - the version table is queried heavily by (config, connector, item);
//     it carries a version DESC index
//
// MySQL cannot create indexes idempotently outside CREATE TABLE, so the
// MySQL schema declares them inline; SQLite uses CREATE INDEX IF NOT EXISTS.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS connectors (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    base_url TEXT NOT NULL,
    endpoint TEXT NOT NULL DEFAULT '',
    auth_kind TEXT NOT NULL DEFAULT 'pat',
    encrypted_credentials TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS work_item_types (
    id TEXT PRIMARY KEY,
    connector_id TEXT NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    remote_id TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL,
    UNIQUE (connector_id, name)
);

CREATE TABLE IF NOT EXISTS work_item_fields (
    id TEXT PRIMARY KEY,
    type_id TEXT NOT NULL REFERENCES work_item_types(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    reference_name TEXT NOT NULL,
    data_type TEXT NOT NULL DEFAULT 'string',
    required INTEGER NOT NULL DEFAULT 0,
    read_only INTEGER NOT NULL DEFAULT 0,
    allowed_values TEXT NOT NULL DEFAULT '[]',
    default_value TEXT NOT NULL DEFAULT '',
    suggestion_score INTEGER NOT NULL DEFAULT 0,
    UNIQUE (type_id, reference_name)
);

CREATE TABLE IF NOT EXISTS work_item_statuses (
    id TEXT PRIMARY KEY,
    type_id TEXT NOT NULL REFERENCES work_item_types(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    value TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    sort_order INTEGER NOT NULL DEFAULT 0,
    UNIQUE (type_id, name)
);

CREATE TABLE IF NOT EXISTS sync_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    source_connector_id TEXT NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
    target_connector_id TEXT NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
    active INTEGER NOT NULL DEFAULT 1,
    trigger_kind TEXT NOT NULL DEFAULT 'manual',
    cron_expr TEXT NOT NULL DEFAULT '',
    direction TEXT NOT NULL DEFAULT 'one_way',
    track_versions INTEGER NOT NULL DEFAULT 0,
    conflict_strategy TEXT NOT NULL DEFAULT 'last-write-wins',
    options TEXT NOT NULL DEFAULT '{}',
    sync_filter TEXT NOT NULL DEFAULT '',
    last_sync_at DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS type_mappings (
    id TEXT PRIMARY KEY,
    sync_config_id TEXT NOT NULL REFERENCES sync_configs(id) ON DELETE CASCADE,
    source_type_id TEXT NOT NULL REFERENCES work_item_types(id) ON DELETE CASCADE,
    target_type_id TEXT NOT NULL REFERENCES work_item_types(id) ON DELETE CASCADE,
    active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS field_mappings (
    id TEXT PRIMARY KEY,
    type_mapping_id TEXT NOT NULL REFERENCES type_mappings(id) ON DELETE CASCADE,
    source_field_id TEXT REFERENCES work_item_fields(id) ON DELETE CASCADE,
    target_field_id TEXT REFERENCES work_item_fields(id) ON DELETE CASCADE,
    mapping_kind TEXT NOT NULL DEFAULT 'direct',
    constant_value TEXT NOT NULL DEFAULT '',
    transformation TEXT NOT NULL DEFAULT '',
    reverse_transformation TEXT NOT NULL DEFAULT '',
    required INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS status_mappings (
    id TEXT PRIMARY KEY,
    type_mapping_id TEXT NOT NULL REFERENCES type_mappings(id) ON DELETE CASCADE,
    source_status_id TEXT NOT NULL REFERENCES work_item_statuses(id) ON DELETE CASCADE,
    target_status_id TEXT NOT NULL REFERENCES work_item_statuses(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS synced_items (
    id TEXT PRIMARY KEY,
    sync_config_id TEXT NOT NULL REFERENCES sync_configs(id) ON DELETE CASCADE,
    source_connector_id TEXT NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
    target_connector_id TEXT NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
    source_item_id TEXT NOT NULL,
    target_item_id TEXT NOT NULL,
    source_item_type TEXT NOT NULL DEFAULT '',
    target_item_type TEXT NOT NULL DEFAULT '',
    first_synced_at DATETIME NOT NULL,
    last_synced_at DATETIME NOT NULL,
    sync_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'synced',
    UNIQUE (sync_config_id, source_connector_id, source_item_id)
);

CREATE TABLE IF NOT EXISTS synced_comments (
    id TEXT PRIMARY KEY,
    synced_item_id TEXT NOT NULL REFERENCES synced_items(id) ON DELETE CASCADE,
    source_comment_id TEXT NOT NULL,
    target_comment_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'synced',
    created_at DATETIME NOT NULL,
    UNIQUE (synced_item_id, source_comment_id)
);

CREATE TABLE IF NOT EXISTS synced_links (
    id TEXT PRIMARY KEY,
    synced_item_id TEXT NOT NULL REFERENCES synced_items(id) ON DELETE CASCADE,
    source_linked_item_id TEXT NOT NULL,
    target_linked_item_id TEXT NOT NULL DEFAULT '',
    relation_type TEXT NOT NULL DEFAULT 'related',
    status TEXT NOT NULL DEFAULT 'pending',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE (synced_item_id, source_linked_item_id, relation_type)
);

CREATE TABLE IF NOT EXISTS work_item_versions (
    id TEXT PRIMARY KEY,
    sync_config_id TEXT NOT NULL REFERENCES sync_configs(id) ON DELETE CASCADE,
    connector_id TEXT NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
    work_item_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    revision TEXT NOT NULL DEFAULT '',
    changed_date DATETIME,
    changed_by TEXT NOT NULL DEFAULT '',
    fields_snapshot TEXT NOT NULL DEFAULT '{}',
    hash TEXT NOT NULL,
    execution_id TEXT NOT NULL DEFAULT '',
    captured_at DATETIME NOT NULL,
    UNIQUE (sync_config_id, connector_id, work_item_id, version)
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id TEXT PRIMARY KEY,
    sync_config_id TEXT NOT NULL REFERENCES sync_configs(id) ON DELETE CASCADE,
    execution_id TEXT NOT NULL DEFAULT '',
    source_work_item_id TEXT NOT NULL,
    target_work_item_id TEXT NOT NULL,
    work_item_type TEXT NOT NULL DEFAULT '',
    conflict_kind TEXT NOT NULL,
    field_name TEXT NOT NULL DEFAULT '',
    source_value TEXT NOT NULL DEFAULT '',
    target_value TEXT NOT NULL DEFAULT '',
    base_value TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'unresolved',
    resolution_strategy TEXT NOT NULL DEFAULT '',
    resolved_value TEXT NOT NULL DEFAULT '',
    resolved_by TEXT NOT NULL DEFAULT '',
    resolved_at DATETIME,
    metadata TEXT NOT NULL DEFAULT '{}',
    detected_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conflict_resolutions (
    id TEXT PRIMARY KEY,
    conflict_id TEXT NOT NULL REFERENCES sync_conflicts(id) ON DELETE CASCADE,
    strategy TEXT NOT NULL,
    previous_value TEXT NOT NULL DEFAULT '',
    resolved_value TEXT NOT NULL DEFAULT '',
    rationale TEXT NOT NULL DEFAULT '',
    resolved_by TEXT NOT NULL,
    applied_to_source INTEGER NOT NULL DEFAULT 0,
    applied_to_target INTEGER NOT NULL DEFAULT 0,
    application_result TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_executions (
    id TEXT PRIMARY KEY,
    sync_config_id TEXT NOT NULL REFERENCES sync_configs(id) ON DELETE CASCADE,
    direction TEXT NOT NULL,
    trigger_source TEXT NOT NULL DEFAULT 'manual',
    status TEXT NOT NULL DEFAULT 'running',
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    items_created INTEGER NOT NULL DEFAULT 0,
    items_updated INTEGER NOT NULL DEFAULT 0,
    items_synced INTEGER NOT NULL DEFAULT 0,
    items_failed INTEGER NOT NULL DEFAULT 0,
    conflicts_detected INTEGER NOT NULL DEFAULT 0,
    conflicts_resolved INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    logs TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS sync_errors (
    id TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL REFERENCES sync_executions(id) ON DELETE CASCADE,
    error_type TEXT NOT NULL DEFAULT 'sync_failed',
    work_item_id TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS webhooks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    sync_config_id TEXT NOT NULL REFERENCES sync_configs(id) ON DELETE CASCADE,
    connector_id TEXT NOT NULL DEFAULT '',
    token TEXT NOT NULL UNIQUE,
    secret TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    event_types TEXT NOT NULL DEFAULT '[]',
    trigger_count INTEGER NOT NULL DEFAULT 0,
    last_triggered_at DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id TEXT PRIMARY KEY,
    webhook_id TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
    event TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    headers TEXT NOT NULL DEFAULT '{}',
    signature_valid INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'rejected',
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_types_connector ON work_item_types(connector_id);
CREATE INDEX IF NOT EXISTS idx_fields_type ON work_item_fields(type_id);
CREATE INDEX IF NOT EXISTS idx_statuses_type ON work_item_statuses(type_id);
CREATE INDEX IF NOT EXISTS idx_type_mappings_config ON type_mappings(sync_config_id);
CREATE INDEX IF NOT EXISTS idx_field_mappings_tm ON field_mappings(type_mapping_id);
CREATE INDEX IF NOT EXISTS idx_status_mappings_tm ON status_mappings(type_mapping_id);
CREATE INDEX IF NOT EXISTS idx_synced_items_config ON synced_items(sync_config_id);
CREATE INDEX IF NOT EXISTS idx_synced_comments_item ON synced_comments(synced_item_id);
CREATE INDEX IF NOT EXISTS idx_synced_links_item ON synced_links(synced_item_id);
CREATE INDEX IF NOT EXISTS idx_synced_links_status ON synced_links(status);
CREATE INDEX IF NOT EXISTS idx_versions_lookup ON work_item_versions(sync_config_id, connector_id, work_item_id, version DESC);
CREATE INDEX IF NOT EXISTS idx_conflicts_config_status ON sync_conflicts(sync_config_id, status);
CREATE INDEX IF NOT EXISTS idx_executions_config ON sync_executions(sync_config_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sync_errors_execution ON sync_errors(execution_id);
CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries(webhook_id, created_at DESC);
`

const schemaMySQL = `
CREATE TABLE IF NOT EXISTS connectors (
    id VARCHAR(36) PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    kind VARCHAR(64) NOT NULL,
    base_url VARCHAR(512) NOT NULL,
    endpoint VARCHAR(512) NOT NULL DEFAULT '',
    auth_kind VARCHAR(16) NOT NULL DEFAULT 'pat',
    encrypted_credentials TEXT NOT NULL,
    active TINYINT(1) NOT NULL DEFAULT 1,
    metadata TEXT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_connectors_name (name)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS work_item_types (
    id VARCHAR(36) PRIMARY KEY,
    connector_id VARCHAR(36) NOT NULL,
    name VARCHAR(200) NOT NULL,
    remote_id VARCHAR(200) NOT NULL DEFAULT '',
    description TEXT,
    updated_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_types_connector_name (connector_id, name),
    KEY idx_types_connector (connector_id),
    CONSTRAINT fk_types_connector FOREIGN KEY (connector_id) REFERENCES connectors(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS work_item_fields (
    id VARCHAR(36) PRIMARY KEY,
    type_id VARCHAR(36) NOT NULL,
    name VARCHAR(200) NOT NULL,
    reference_name VARCHAR(200) NOT NULL,
    data_type VARCHAR(16) NOT NULL DEFAULT 'string',
    required TINYINT(1) NOT NULL DEFAULT 0,
    read_only TINYINT(1) NOT NULL DEFAULT 0,
    allowed_values TEXT NOT NULL,
    default_value VARCHAR(512) NOT NULL DEFAULT '',
    suggestion_score INT NOT NULL DEFAULT 0,
    UNIQUE KEY uq_fields_type_ref (type_id, reference_name),
    KEY idx_fields_type (type_id),
    CONSTRAINT fk_fields_type FOREIGN KEY (type_id) REFERENCES work_item_types(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS work_item_statuses (
    id VARCHAR(36) PRIMARY KEY,
    type_id VARCHAR(36) NOT NULL,
    name VARCHAR(200) NOT NULL,
    value VARCHAR(200) NOT NULL DEFAULT '',
    category VARCHAR(32) NOT NULL DEFAULT '',
    sort_order INT NOT NULL DEFAULT 0,
    UNIQUE KEY uq_statuses_type_name (type_id, name),
    KEY idx_statuses_type (type_id),
    CONSTRAINT fk_statuses_type FOREIGN KEY (type_id) REFERENCES work_item_types(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS sync_configs (
    id VARCHAR(36) PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    source_connector_id VARCHAR(36) NOT NULL,
    target_connector_id VARCHAR(36) NOT NULL,
    active TINYINT(1) NOT NULL DEFAULT 1,
    trigger_kind VARCHAR(16) NOT NULL DEFAULT 'manual',
    cron_expr VARCHAR(120) NOT NULL DEFAULT '',
    direction VARCHAR(16) NOT NULL DEFAULT 'one_way',
    track_versions TINYINT(1) NOT NULL DEFAULT 0,
    conflict_strategy VARCHAR(32) NOT NULL DEFAULT 'last-write-wins',
    options TEXT NOT NULL,
    sync_filter TEXT NOT NULL,
    last_sync_at DATETIME(6),
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_configs_name (name),
    CONSTRAINT fk_configs_source FOREIGN KEY (source_connector_id) REFERENCES connectors(id) ON DELETE CASCADE,
    CONSTRAINT fk_configs_target FOREIGN KEY (target_connector_id) REFERENCES connectors(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS type_mappings (
    id VARCHAR(36) PRIMARY KEY,
    sync_config_id VARCHAR(36) NOT NULL,
    source_type_id VARCHAR(36) NOT NULL,
    target_type_id VARCHAR(36) NOT NULL,
    active TINYINT(1) NOT NULL DEFAULT 1,
    KEY idx_type_mappings_config (sync_config_id),
    CONSTRAINT fk_tm_config FOREIGN KEY (sync_config_id) REFERENCES sync_configs(id) ON DELETE CASCADE,
    CONSTRAINT fk_tm_source_type FOREIGN KEY (source_type_id) REFERENCES work_item_types(id) ON DELETE CASCADE,
    CONSTRAINT fk_tm_target_type FOREIGN KEY (target_type_id) REFERENCES work_item_types(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS field_mappings (
    id VARCHAR(36) PRIMARY KEY,
    type_mapping_id VARCHAR(36) NOT NULL,
    source_field_id VARCHAR(36),
    target_field_id VARCHAR(36),
    mapping_kind VARCHAR(16) NOT NULL DEFAULT 'direct',
    constant_value TEXT NOT NULL,
    transformation TEXT NOT NULL,
    reverse_transformation TEXT NOT NULL,
    required TINYINT(1) NOT NULL DEFAULT 0,
    KEY idx_field_mappings_tm (type_mapping_id),
    CONSTRAINT fk_fm_tm FOREIGN KEY (type_mapping_id) REFERENCES type_mappings(id) ON DELETE CASCADE,
    CONSTRAINT fk_fm_source_field FOREIGN KEY (source_field_id) REFERENCES work_item_fields(id) ON DELETE CASCADE,
    CONSTRAINT fk_fm_target_field FOREIGN KEY (target_field_id) REFERENCES work_item_fields(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS status_mappings (
    id VARCHAR(36) PRIMARY KEY,
    type_mapping_id VARCHAR(36) NOT NULL,
    source_status_id VARCHAR(36) NOT NULL,
    target_status_id VARCHAR(36) NOT NULL,
    KEY idx_status_mappings_tm (type_mapping_id),
    CONSTRAINT fk_sm_tm FOREIGN KEY (type_mapping_id) REFERENCES type_mappings(id) ON DELETE CASCADE,
    CONSTRAINT fk_sm_source_status FOREIGN KEY (source_status_id) REFERENCES work_item_statuses(id) ON DELETE CASCADE,
    CONSTRAINT fk_sm_target_status FOREIGN KEY (target_status_id) REFERENCES work_item_statuses(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS synced_items (
    id VARCHAR(36) PRIMARY KEY,
    sync_config_id VARCHAR(36) NOT NULL,
    source_connector_id VARCHAR(36) NOT NULL,
    target_connector_id VARCHAR(36) NOT NULL,
    source_item_id VARCHAR(200) NOT NULL,
    target_item_id VARCHAR(200) NOT NULL,
    source_item_type VARCHAR(200) NOT NULL DEFAULT '',
    target_item_type VARCHAR(200) NOT NULL DEFAULT '',
    first_synced_at DATETIME(6) NOT NULL,
    last_synced_at DATETIME(6) NOT NULL,
    sync_count INT NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL DEFAULT 'synced',
    UNIQUE KEY uq_synced_items_identity (sync_config_id, source_connector_id, source_item_id),
    KEY idx_synced_items_config (sync_config_id),
    CONSTRAINT fk_si_config FOREIGN KEY (sync_config_id) REFERENCES sync_configs(id) ON DELETE CASCADE,
    CONSTRAINT fk_si_source FOREIGN KEY (source_connector_id) REFERENCES connectors(id) ON DELETE CASCADE,
    CONSTRAINT fk_si_target FOREIGN KEY (target_connector_id) REFERENCES connectors(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS synced_comments (
    id VARCHAR(36) PRIMARY KEY,
    synced_item_id VARCHAR(36) NOT NULL,
    source_comment_id VARCHAR(200) NOT NULL,
    target_comment_id VARCHAR(200) NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL DEFAULT 'synced',
    created_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_synced_comments (synced_item_id, source_comment_id),
    CONSTRAINT fk_sc_item FOREIGN KEY (synced_item_id) REFERENCES synced_items(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS synced_links (
    id VARCHAR(36) PRIMARY KEY,
    synced_item_id VARCHAR(36) NOT NULL,
    source_linked_item_id VARCHAR(200) NOT NULL,
    target_linked_item_id VARCHAR(200) NOT NULL DEFAULT '',
    relation_type VARCHAR(64) NOT NULL DEFAULT 'related',
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_synced_links (synced_item_id, source_linked_item_id, relation_type),
    KEY idx_synced_links_status (status),
    CONSTRAINT fk_sl_item FOREIGN KEY (synced_item_id) REFERENCES synced_items(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS work_item_versions (
    id VARCHAR(36) PRIMARY KEY,
    sync_config_id VARCHAR(36) NOT NULL,
    connector_id VARCHAR(36) NOT NULL,
    work_item_id VARCHAR(200) NOT NULL,
    version INT NOT NULL,
    revision VARCHAR(200) NOT NULL DEFAULT '',
    changed_date DATETIME(6),
    changed_by VARCHAR(200) NOT NULL DEFAULT '',
    fields_snapshot TEXT NOT NULL,
    hash VARCHAR(64) NOT NULL,
    execution_id VARCHAR(36) NOT NULL DEFAULT '',
    captured_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_versions (sync_config_id, connector_id, work_item_id, version),
    KEY idx_versions_lookup (sync_config_id, connector_id, work_item_id, version DESC),
    CONSTRAINT fk_wv_config FOREIGN KEY (sync_config_id) REFERENCES sync_configs(id) ON DELETE CASCADE,
    CONSTRAINT fk_wv_connector FOREIGN KEY (connector_id) REFERENCES connectors(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id VARCHAR(36) PRIMARY KEY,
    sync_config_id VARCHAR(36) NOT NULL,
    execution_id VARCHAR(36) NOT NULL DEFAULT '',
    source_work_item_id VARCHAR(200) NOT NULL,
    target_work_item_id VARCHAR(200) NOT NULL,
    work_item_type VARCHAR(200) NOT NULL DEFAULT '',
    conflict_kind VARCHAR(32) NOT NULL,
    field_name VARCHAR(200) NOT NULL DEFAULT '',
    source_value TEXT NOT NULL,
    target_value TEXT NOT NULL,
    base_value TEXT NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'unresolved',
    resolution_strategy VARCHAR(32) NOT NULL DEFAULT '',
    resolved_value TEXT NOT NULL,
    resolved_by VARCHAR(200) NOT NULL DEFAULT '',
    resolved_at DATETIME(6),
    metadata TEXT NOT NULL,
    detected_at DATETIME(6) NOT NULL,
    KEY idx_conflicts_config_status (sync_config_id, status),
    CONSTRAINT fk_cf_config FOREIGN KEY (sync_config_id) REFERENCES sync_configs(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS conflict_resolutions (
    id VARCHAR(36) PRIMARY KEY,
    conflict_id VARCHAR(36) NOT NULL,
    strategy VARCHAR(32) NOT NULL,
    previous_value TEXT NOT NULL,
    resolved_value TEXT NOT NULL,
    rationale TEXT NOT NULL,
    resolved_by VARCHAR(200) NOT NULL,
    applied_to_source TINYINT(1) NOT NULL DEFAULT 0,
    applied_to_target TINYINT(1) NOT NULL DEFAULT 0,
    application_result TEXT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    KEY idx_resolutions_conflict (conflict_id),
    CONSTRAINT fk_cr_conflict FOREIGN KEY (conflict_id) REFERENCES sync_conflicts(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS sync_executions (
    id VARCHAR(36) PRIMARY KEY,
    sync_config_id VARCHAR(36) NOT NULL,
    direction VARCHAR(24) NOT NULL,
    trigger_source VARCHAR(16) NOT NULL DEFAULT 'manual',
    status VARCHAR(32) NOT NULL DEFAULT 'running',
    started_at DATETIME(6) NOT NULL,
    completed_at DATETIME(6),
    items_created INT NOT NULL DEFAULT 0,
    items_updated INT NOT NULL DEFAULT 0,
    items_synced INT NOT NULL DEFAULT 0,
    items_failed INT NOT NULL DEFAULT 0,
    conflicts_detected INT NOT NULL DEFAULT 0,
    conflicts_resolved INT NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL,
    logs MEDIUMTEXT NOT NULL,
    KEY idx_executions_config (sync_config_id, started_at DESC),
    CONSTRAINT fk_ex_config FOREIGN KEY (sync_config_id) REFERENCES sync_configs(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS sync_errors (
    id VARCHAR(36) PRIMARY KEY,
    execution_id VARCHAR(36) NOT NULL,
    error_type VARCHAR(32) NOT NULL DEFAULT 'sync_failed',
    work_item_id VARCHAR(200) NOT NULL DEFAULT '',
    message TEXT NOT NULL,
    detail TEXT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    KEY idx_sync_errors_execution (execution_id),
    CONSTRAINT fk_se_execution FOREIGN KEY (execution_id) REFERENCES sync_executions(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS webhooks (
    id VARCHAR(36) PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    sync_config_id VARCHAR(36) NOT NULL,
    connector_id VARCHAR(36) NOT NULL DEFAULT '',
    token VARCHAR(128) NOT NULL,
    secret VARCHAR(256) NOT NULL,
    active TINYINT(1) NOT NULL DEFAULT 1,
    event_types TEXT NOT NULL,
    trigger_count INT NOT NULL DEFAULT 0,
    last_triggered_at DATETIME(6),
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_webhooks_token (token),
    CONSTRAINT fk_wh_config FOREIGN KEY (sync_config_id) REFERENCES sync_configs(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id VARCHAR(36) PRIMARY KEY,
    webhook_id VARCHAR(36) NOT NULL,
    event VARCHAR(200) NOT NULL DEFAULT '',
    payload MEDIUMTEXT NOT NULL,
    headers TEXT NOT NULL,
    signature_valid TINYINT(1) NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL DEFAULT 'rejected',
    created_at DATETIME(6) NOT NULL,
    KEY idx_deliveries_webhook (webhook_id, created_at DESC),
    CONSTRAINT fk_wd_webhook FOREIGN KEY (webhook_id) REFERENCES webhooks(id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS schema_migrations (
    name VARCHAR(200) PRIMARY KEY,
    applied_at DATETIME(6) NOT NULL
) ENGINE=InnoDB;
`
