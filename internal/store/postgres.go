package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

// PostgresStore is the production Store, backed by a pgxpool.Pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Open connects to connURL, sizing the pool per cfg, and bootstraps the
// schema with CREATE TABLE IF NOT EXISTS rather than a migration
// framework.
func Open(ctx context.Context, connURL string, maxConns, minConns int32, maxLifetime time.Duration) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindInternal, err, "parse db url")
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = minConns
	poolCfg.MaxConnLifetime = maxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindInternal, err, "connect to db")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, domainerr.Wrap(domainerr.KindInternal, err, "ping db")
	}

	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, bootstrapDDL); err != nil {
		pool.Close()
		return nil, domainerr.Wrap(domainerr.KindInternal, err, "bootstrap schema")
	}
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PostgresStore) Close()                         { s.pool.Close() }

// ---- Server ----

func (s *PostgresStore) CreateServer(ctx context.Context, srv *models.Server) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO servers (id, name, description, status, network_mode, default_timeout_ms, allowed_hosts, error_message, access_everyone, access_emails, access_domain, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		srv.ID, srv.Name, srv.Description, srv.Status, srv.NetworkMode, srv.DefaultTimeoutMs, srv.AllowedHosts, srv.ErrorMessage,
		srv.AccessEveryone, srv.AccessAllowedEmails, srv.AccessDomainSuffix, srv.CreatedAt, srv.UpdatedAt)
	return wrapErr(err, "create server")
}

func scanServer(row pgx.Row) (*models.Server, error) {
	var srv models.Server
	err := row.Scan(&srv.ID, &srv.Name, &srv.Description, &srv.Status, &srv.NetworkMode,
		&srv.DefaultTimeoutMs, &srv.AllowedHosts, &srv.ErrorMessage,
		&srv.AccessEveryone, &srv.AccessAllowedEmails, &srv.AccessDomainSuffix, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

const serverColumns = `id, name, description, status, network_mode, default_timeout_ms, allowed_hosts, error_message, access_everyone, access_emails, access_domain, created_at, updated_at`

func (s *PostgresStore) GetServer(ctx context.Context, id string) (*models.Server, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id=$1`, id)
	srv, err := scanServer(row)
	if err != nil {
		return nil, notFoundOr(err, "server %q not found", id)
	}
	return srv, nil
}

func (s *PostgresStore) GetServerByName(ctx context.Context, name string) (*models.Server, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE name=$1`, name)
	srv, err := scanServer(row)
	if err != nil {
		return nil, notFoundOr(err, "server %q not found", name)
	}
	return srv, nil
}

func (s *PostgresStore) ListServers(ctx context.Context, p Page) (PagedResult[models.Server], error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM servers`).Scan(&total); err != nil {
		return PagedResult[models.Server]{}, wrapErr(err, "count servers")
	}

	offset, limit := pageBounds(p)
	rows, err := s.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return PagedResult[models.Server]{}, wrapErr(err, "list servers")
	}
	defer rows.Close()

	var items []models.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return PagedResult[models.Server]{}, wrapErr(err, "scan server")
		}
		items = append(items, *srv)
	}
	return paged(items, total, p), rows.Err()
}

func (s *PostgresStore) UpdateServer(ctx context.Context, srv *models.Server) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE servers SET name=$2, description=$3, status=$4, network_mode=$5, default_timeout_ms=$6,
			allowed_hosts=$7, error_message=$8, access_everyone=$9, access_emails=$10, access_domain=$11, updated_at=NOW()
		WHERE id=$1`,
		srv.ID, srv.Name, srv.Description, srv.Status, srv.NetworkMode, srv.DefaultTimeoutMs, srv.AllowedHosts, srv.ErrorMessage,
		srv.AccessEveryone, srv.AccessAllowedEmails, srv.AccessDomainSuffix)
	if err != nil {
		return wrapErr(err, "update server")
	}
	if tag.RowsAffected() == 0 {
		return domainerr.New(domainerr.KindNotFound, "server %q not found", srv.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteServer(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM servers WHERE id=$1`, id)
	return wrapErr(err, "delete server")
}

func (s *PostgresStore) AddAllowedHost(ctx context.Context, serverID, host string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE servers SET allowed_hosts = array_append(allowed_hosts, $2), updated_at=NOW()
		WHERE id=$1 AND NOT ($2 = ANY(allowed_hosts))`, serverID, host)
	return wrapErr(err, "add allowed host")
}

func (s *PostgresStore) RemoveAllowedHost(ctx context.Context, serverID, host string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE servers SET allowed_hosts = array_remove(allowed_hosts, $2), updated_at=NOW()
		WHERE id=$1`, serverID, host)
	return wrapErr(err, "remove allowed host")
}

// ---- Tool ----

const toolColumns = `id, server_id, name, description, enabled, timeout_ms, tool_type, source,
	passthrough_external_source_id, passthrough_external_tool_name, input_schema,
	approval_status, current_version, created_at, updated_at`

func scanTool(row pgx.Row) (*models.Tool, error) {
	var t models.Tool
	var schemaBytes []byte
	var extSourceID, extToolName *string
	err := row.Scan(&t.ID, &t.ServerID, &t.Name, &t.Description, &t.Enabled, &t.TimeoutMs, &t.ToolType, &t.Source,
		&extSourceID, &extToolName, &schemaBytes, &t.ApprovalStatus, &t.CurrentVersion, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if extSourceID != nil && extToolName != nil {
		t.Passthrough = &models.PassthroughSource{ExternalSourceID: *extSourceID, ExternalToolName: *extToolName}
	}
	if len(schemaBytes) > 0 {
		_ = json.Unmarshal(schemaBytes, &t.InputSchema)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTool(ctx context.Context, t *models.Tool) error {
	schemaBytes, _ := json.Marshal(t.InputSchema)
	var extSourceID, extToolName *string
	if t.Passthrough != nil {
		extSourceID, extToolName = &t.Passthrough.ExternalSourceID, &t.Passthrough.ExternalToolName
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tools (id, server_id, name, description, enabled, timeout_ms, tool_type, source,
			passthrough_external_source_id, passthrough_external_tool_name, input_schema,
			approval_status, current_version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.ServerID, t.Name, t.Description, t.Enabled, t.TimeoutMs, t.ToolType, t.Source,
		extSourceID, extToolName, schemaBytes, t.ApprovalStatus, t.CurrentVersion, t.CreatedAt, t.UpdatedAt)
	return wrapErr(err, "create tool")
}

func (s *PostgresStore) GetTool(ctx context.Context, id string) (*models.Tool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE id=$1`, id)
	t, err := scanTool(row)
	if err != nil {
		return nil, notFoundOr(err, "tool %q not found", id)
	}
	return t, nil
}

func (s *PostgresStore) GetToolByName(ctx context.Context, serverID, name string) (*models.Tool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE server_id=$1 AND name=$2`, serverID, name)
	t, err := scanTool(row)
	if err != nil {
		return nil, notFoundOr(err, "tool %q not found", name)
	}
	return t, nil
}

func (s *PostgresStore) ListToolsByServer(ctx context.Context, serverID string) ([]models.Tool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+toolColumns+` FROM tools WHERE server_id=$1 ORDER BY name`, serverID)
	if err != nil {
		return nil, wrapErr(err, "list tools by server")
	}
	defer rows.Close()
	var out []models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, wrapErr(err, "scan tool")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTools(ctx context.Context, p Page) (PagedResult[models.Tool], error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tools`).Scan(&total); err != nil {
		return PagedResult[models.Tool]{}, wrapErr(err, "count tools")
	}
	offset, limit := pageBounds(p)
	rows, err := s.pool.Query(ctx, `SELECT `+toolColumns+` FROM tools ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return PagedResult[models.Tool]{}, wrapErr(err, "list tools")
	}
	defer rows.Close()
	var items []models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return PagedResult[models.Tool]{}, wrapErr(err, "scan tool")
		}
		items = append(items, *t)
	}
	return paged(items, total, p), rows.Err()
}

func (s *PostgresStore) UpdateTool(ctx context.Context, t *models.Tool) error {
	schemaBytes, _ := json.Marshal(t.InputSchema)
	var extSourceID, extToolName *string
	if t.Passthrough != nil {
		extSourceID, extToolName = &t.Passthrough.ExternalSourceID, &t.Passthrough.ExternalToolName
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tools SET description=$2, enabled=$3, timeout_ms=$4, source=$5,
			passthrough_external_source_id=$6, passthrough_external_tool_name=$7, input_schema=$8,
			approval_status=$9, updated_at=NOW()
		WHERE id=$1`,
		t.ID, t.Description, t.Enabled, t.TimeoutMs, t.Source, extSourceID, extToolName, schemaBytes, t.ApprovalStatus)
	if err != nil {
		return wrapErr(err, "update tool")
	}
	if tag.RowsAffected() == 0 {
		return domainerr.New(domainerr.KindNotFound, "tool %q not found", t.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteTool(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tools WHERE id=$1`, id)
	return wrapErr(err, "delete tool")
}

// CreateVersion implements the atomic "value + 1" semantics:
// the version bump and the history insert happen in one transaction.
func (s *PostgresStore) CreateVersion(ctx context.Context, toolID, source, description string) (*models.ToolVersion, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	var version int
	err = tx.QueryRow(ctx, `UPDATE tools SET current_version = current_version + 1, updated_at = NOW() WHERE id=$1 RETURNING current_version`, toolID).Scan(&version)
	if err != nil {
		return nil, notFoundOr(err, "tool %q not found", toolID)
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO tool_versions (tool_id, version_number, source, description, created_at)
		VALUES ($1,$2,$3,$4,$5)`, toolID, version, source, description, now)
	if err != nil {
		return nil, wrapErr(err, "insert tool version")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr(err, "commit tx")
	}
	return &models.ToolVersion{ToolID: toolID, VersionNumber: version, Source: source, Description: description, CreatedAt: now}, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, toolID string) ([]models.ToolVersion, error) {
	rows, err := s.pool.Query(ctx, `SELECT tool_id, version_number, source, description, schema_drifted, created_at FROM tool_versions WHERE tool_id=$1 ORDER BY version_number`, toolID)
	if err != nil {
		return nil, wrapErr(err, "list tool versions")
	}
	defer rows.Close()
	var out []models.ToolVersion
	for rows.Next() {
		var v models.ToolVersion
		if err := rows.Scan(&v.ToolID, &v.VersionNumber, &v.Source, &v.Description, &v.SchemaDrifted, &v.CreatedAt); err != nil {
			return nil, wrapErr(err, "scan tool version")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkVersionSchemaDrifted(ctx context.Context, toolID string, version int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tool_versions SET schema_drifted = TRUE WHERE tool_id=$1 AND version_number=$2`, toolID, version)
	if err != nil {
		return wrapErr(err, "mark version schema drifted")
	}
	if tag.RowsAffected() == 0 {
		return domainerr.New(domainerr.KindNotFound, "version %d of tool %q not found", version, toolID)
	}
	return nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, toolID string, version int) (*models.ToolVersion, error) {
	var v models.ToolVersion
	err := s.pool.QueryRow(ctx, `SELECT tool_id, version_number, source, description, schema_drifted, created_at FROM tool_versions WHERE tool_id=$1 AND version_number=$2`, toolID, version).
		Scan(&v.ToolID, &v.VersionNumber, &v.Source, &v.Description, &v.SchemaDrifted, &v.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "version %d of tool %q not found", version, toolID)
	}
	return &v, nil
}

// ---- Secret ----

func (s *PostgresStore) PutSecret(ctx context.Context, sec *models.ServerSecret) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO server_secrets (server_id, key_name, ciphertext, iv)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (server_id, key_name) DO UPDATE SET ciphertext=EXCLUDED.ciphertext, iv=EXCLUDED.iv`,
		sec.ServerID, sec.KeyName, sec.Ciphertext, sec.IV)
	return wrapErr(err, "put secret")
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, serverID, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM server_secrets WHERE server_id=$1 AND key_name=$2`, serverID, key)
	return wrapErr(err, "delete secret")
}

func (s *PostgresStore) ListSecretKeys(ctx context.Context, serverID string) ([]models.ServerSecret, error) {
	rows, err := s.pool.Query(ctx, `SELECT key_name FROM server_secrets WHERE server_id=$1 ORDER BY key_name`, serverID)
	if err != nil {
		return nil, wrapErr(err, "list secret keys")
	}
	defer rows.Close()
	var out []models.ServerSecret
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrapErr(err, "scan secret key")
		}
		out = append(out, models.ServerSecret{ServerID: serverID, KeyName: key, HasValue: true})
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSecretCiphertext(ctx context.Context, serverID, key string) (*models.ServerSecret, error) {
	var sec models.ServerSecret
	sec.ServerID, sec.KeyName = serverID, key
	err := s.pool.QueryRow(ctx, `SELECT ciphertext, iv FROM server_secrets WHERE server_id=$1 AND key_name=$2`, serverID, key).Scan(&sec.Ciphertext, &sec.IV)
	if err != nil {
		return nil, notFoundOr(err, "secret %q not found for server %q", key, serverID)
	}
	sec.HasValue = true
	return &sec, nil
}

func (s *PostgresStore) ListSecretCiphertexts(ctx context.Context, serverID string) ([]models.ServerSecret, error) {
	rows, err := s.pool.Query(ctx, `SELECT key_name, ciphertext, iv FROM server_secrets WHERE server_id=$1`, serverID)
	if err != nil {
		return nil, wrapErr(err, "list secret ciphertexts")
	}
	defer rows.Close()
	var out []models.ServerSecret
	for rows.Next() {
		sec := models.ServerSecret{ServerID: serverID, HasValue: true}
		if err := rows.Scan(&sec.KeyName, &sec.Ciphertext, &sec.IV); err != nil {
			return nil, wrapErr(err, "scan secret")
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// ---- Approval ----

const approvalColumns = `id, kind, subject, requested_by, justification, status, reviewed_by, reviewed_at, workflow_id, created_at`

func scanApproval(row pgx.Row) (*models.ApprovalRequest, error) {
	var r models.ApprovalRequest
	err := row.Scan(&r.ID, &r.Kind, &r.Subject, &r.RequestedBy, &r.Justification, &r.Status, &r.ReviewedBy, &r.ReviewedAt, &r.WorkflowID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.Kind, r.Subject, r.RequestedBy, r.Justification, r.Status, r.ReviewedBy, r.ReviewedAt, r.WorkflowID, r.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domainerr.Wrap(domainerr.KindConflict, err, "an approval request for this (kind, subject) is already pending")
	}
	return wrapErr(err, "create approval request")
}

func (s *PostgresStore) GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=$1`, id)
	r, err := scanApproval(row)
	if err != nil {
		return nil, notFoundOr(err, "approval request %q not found", id)
	}
	return r, nil
}

func (s *PostgresStore) GetPendingRequest(ctx context.Context, kind models.ApprovalKind, subject string) (*models.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE kind=$1 AND subject=$2 AND status='pending'`, kind, subject)
	r, err := scanApproval(row)
	if err != nil {
		return nil, notFoundOr(err, "no pending %s request for %q", kind, subject)
	}
	return r, nil
}

func (s *PostgresStore) ListApprovalRequests(ctx context.Context, kind models.ApprovalKind, status models.ApprovalState, p Page) (PagedResult[models.ApprovalRequest], error) {
	where, args := "WHERE 1=1", []any{}
	if kind != "" {
		args = append(args, kind)
		where += fmtArg(" AND kind=$", len(args))
	}
	if status != "" {
		args = append(args, status)
		where += fmtArg(" AND status=$", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM approval_requests `+where, args...).Scan(&total); err != nil {
		return PagedResult[models.ApprovalRequest]{}, wrapErr(err, "count approval requests")
	}

	offset, limit := pageBounds(p)
	args = append(args, limit, offset)
	query := `SELECT ` + approvalColumns + ` FROM approval_requests ` + where +
		fmtArg(" ORDER BY created_at LIMIT $", len(args)-1) + fmtArg(" OFFSET $", len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return PagedResult[models.ApprovalRequest]{}, wrapErr(err, "list approval requests")
	}
	defer rows.Close()

	var items []models.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return PagedResult[models.ApprovalRequest]{}, wrapErr(err, "scan approval request")
		}
		items = append(items, *r)
	}
	return paged(items, total, p), rows.Err()
}

func (s *PostgresStore) UpdateApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests SET status=$2, reviewed_by=$3, reviewed_at=$4, workflow_id=$5
		WHERE id=$1`, r.ID, r.Status, r.ReviewedBy, r.ReviewedAt, r.WorkflowID)
	if err != nil {
		return wrapErr(err, "update approval request")
	}
	if tag.RowsAffected() == 0 {
		return domainerr.New(domainerr.KindNotFound, "approval request %q not found", r.ID)
	}
	return nil
}

func (s *PostgresStore) ListPendingForSubject(ctx context.Context, subject string) ([]models.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE subject=$1 AND status='pending'`, subject)
	if err != nil {
		return nil, wrapErr(err, "list pending for subject")
	}
	defer rows.Close()
	var out []models.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, wrapErr(err, "scan approval request")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ---- External source ----

const externalSourceColumns = `id, server_id, name, url, transport, auth, auth_secret_name, auth_header_name,
	issuer, client_id, refresh_token_cipher, refresh_token_iv, code_verifier_cipher, code_verifier_iv,
	authenticated, status, last_discovered_at, tool_count`

func scanExternalSource(row pgx.Row) (*models.ExternalSource, error) {
	var e models.ExternalSource
	var oauth models.OAuthState
	err := row.Scan(&e.ID, &e.ServerID, &e.Name, &e.URL, &e.Transport, &e.Auth, &e.AuthSecretName, &e.AuthHeaderName,
		&oauth.Issuer, &oauth.ClientID, &oauth.RefreshTokenCipher, &oauth.RefreshTokenIV, &oauth.CodeVerifierCipher, &oauth.CodeVerifierIV,
		&oauth.Authenticated, &e.Status, &e.LastDiscoveredAt, &e.ToolCount)
	if err != nil {
		return nil, err
	}
	if e.Auth == models.AuthOAuth {
		e.OAuth = &oauth
	}
	return &e, nil
}

func (s *PostgresStore) CreateExternalSource(ctx context.Context, e *models.ExternalSource) error {
	o := e.OAuth
	if o == nil {
		o = &models.OAuthState{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO external_sources (`+externalSourceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, e.ServerID, e.Name, e.URL, e.Transport, e.Auth, e.AuthSecretName, e.AuthHeaderName,
		o.Issuer, o.ClientID, o.RefreshTokenCipher, o.RefreshTokenIV, o.CodeVerifierCipher, o.CodeVerifierIV,
		o.Authenticated, e.Status, e.LastDiscoveredAt, e.ToolCount)
	return wrapErr(err, "create external source")
}

func (s *PostgresStore) GetExternalSource(ctx context.Context, id string) (*models.ExternalSource, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+externalSourceColumns+` FROM external_sources WHERE id=$1`, id)
	e, err := scanExternalSource(row)
	if err != nil {
		return nil, notFoundOr(err, "external source %q not found", id)
	}
	return e, nil
}

func (s *PostgresStore) ListExternalSourcesByServer(ctx context.Context, serverID string) ([]models.ExternalSource, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+externalSourceColumns+` FROM external_sources WHERE server_id=$1 ORDER BY name`, serverID)
	if err != nil {
		return nil, wrapErr(err, "list external sources")
	}
	defer rows.Close()
	var out []models.ExternalSource
	for rows.Next() {
		e, err := scanExternalSource(rows)
		if err != nil {
			return nil, wrapErr(err, "scan external source")
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateExternalSource(ctx context.Context, e *models.ExternalSource) error {
	o := e.OAuth
	if o == nil {
		o = &models.OAuthState{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE external_sources SET name=$2, url=$3, transport=$4, auth=$5, auth_secret_name=$6, auth_header_name=$7,
			issuer=$8, client_id=$9, refresh_token_cipher=$10, refresh_token_iv=$11, code_verifier_cipher=$12,
			code_verifier_iv=$13, authenticated=$14, status=$15, last_discovered_at=$16, tool_count=$17
		WHERE id=$1`,
		e.ID, e.Name, e.URL, e.Transport, e.Auth, e.AuthSecretName, e.AuthHeaderName,
		o.Issuer, o.ClientID, o.RefreshTokenCipher, o.RefreshTokenIV, o.CodeVerifierCipher, o.CodeVerifierIV,
		o.Authenticated, e.Status, e.LastDiscoveredAt, e.ToolCount)
	if err != nil {
		return wrapErr(err, "update external source")
	}
	if tag.RowsAffected() == 0 {
		return domainerr.New(domainerr.KindNotFound, "external source %q not found", e.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteExternalSource(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM external_sources WHERE id=$1`, id)
	return wrapErr(err, "delete external source")
}

// ---- Execution log ----

func (s *PostgresStore) CreateExecutionLog(ctx context.Context, l *models.ExecutionLog) error {
	argsBytes, _ := json.Marshal(l.Args)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_logs (id, server_id, tool_name, args, result, stdout, stderr, duration_ms, success, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		l.ID, l.ServerID, l.ToolName, argsBytes, l.Result, l.Stdout, l.Stderr, l.DurationMs, l.Success, l.Actor, l.CreatedAt)
	return wrapErr(err, "create execution log")
}

func (s *PostgresStore) ListExecutionLogs(ctx context.Context, serverID string, limit int) ([]models.ExecutionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, server_id, tool_name, args, result, stdout, stderr, duration_ms, success, actor, created_at
		FROM execution_logs WHERE server_id=$1 ORDER BY created_at DESC LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, wrapErr(err, "list execution logs")
	}
	defer rows.Close()
	var out []models.ExecutionLog
	for rows.Next() {
		var l models.ExecutionLog
		var argsBytes []byte
		if err := rows.Scan(&l.ID, &l.ServerID, &l.ToolName, &argsBytes, &l.Result, &l.Stdout, &l.Stderr, &l.DurationMs, &l.Success, &l.Actor, &l.CreatedAt); err != nil {
			return nil, wrapErr(err, "scan execution log")
		}
		_ = json.Unmarshal(argsBytes, &l.Args)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteExecutionLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM execution_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, wrapErr(err, "delete old execution logs")
	}
	return tag.RowsAffected(), nil
}

// ---- Settings ----

func (s *PostgresStore) GetSetting(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, key).Scan(&value)
	if err != nil {
		return nil, notFoundOr(err, "setting %q not found", key)
	}
	return value, nil
}

func (s *PostgresStore) PutSetting(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return wrapErr(err, "put setting")
}

// ---- helpers ----

func wrapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	return domainerr.Wrap(domainerr.KindInternal, err, "%s", what)
}

func notFoundOr(err error, format string, args ...any) error {
	if err == pgx.ErrNoRows {
		return domainerr.New(domainerr.KindNotFound, format, args...)
	}
	return domainerr.Wrap(domainerr.KindInternal, err, "query")
}

func pageBounds(p Page) (offset, limit int32) {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	return int32((p.Page - 1) * p.PageSize), int32(p.PageSize)
}

func paged[T any](items []T, total int, p Page) PagedResult[T] {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	pages := (total + p.PageSize - 1) / p.PageSize
	return PagedResult[T]{Items: items, Total: total, Page: p.Page, PageSize: p.PageSize, Pages: pages}
}

func fmtArg(prefix string, n int) string {
	return prefix + strconv.Itoa(n)
}
