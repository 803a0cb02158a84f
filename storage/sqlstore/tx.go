package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"lmsoauth/storage"
)

type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
}

func (t *sqlTx) get(ctx context.Context, dest any, query string, args ...any) error {
	err := t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func (t *sqlTx) insert(ctx context.Context, what, query string, args ...any) error {
	if _, err := t.exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", what, storage.ErrConflict)
		}
		return fmt.Errorf("insert %s: %w", what, err)
	}
	return nil
}

// swap runs a conditional UPDATE and reports whether it changed a row.
func (t *sqlTx) swap(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type clientRow struct {
	ClientID      string `db:"client_id"`
	ClientName    string `db:"client_name"`
	SecretHash    string `db:"secret_hash"`
	RedirectURIs  string `db:"redirect_uris"`
	Scopes        string `db:"scopes"`
	GrantTypes    string `db:"grant_types"`
	RequirePKCE   bool   `db:"require_pkce"`
	OfflineAccess bool   `db:"offline_access"`
	CreatedAt     int64  `db:"created_at"`
}

func (r clientRow) record() storage.Client {
	return storage.Client{
		ClientID:      r.ClientID,
		ClientName:    r.ClientName,
		SecretHash:    r.SecretHash,
		RedirectURIs:  storage.SplitScopes(r.RedirectURIs),
		Scopes:        storage.SplitScopes(r.Scopes),
		GrantTypes:    storage.SplitScopes(r.GrantTypes),
		RequirePKCE:   r.RequirePKCE,
		OfflineAccess: r.OfflineAccess,
		CreatedAt:     fromMillis(r.CreatedAt),
	}
}

const clientColumns = `client_id, client_name, secret_hash, redirect_uris, scopes, grant_types, require_pkce, offline_access, created_at`

func (t *sqlTx) SaveClient(ctx context.Context, c storage.Client) error {
	_, err := t.exec(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			client_name = excluded.client_name,
			secret_hash = excluded.secret_hash,
			redirect_uris = excluded.redirect_uris,
			scopes = excluded.scopes,
			grant_types = excluded.grant_types,
			require_pkce = excluded.require_pkce,
			offline_access = excluded.offline_access`,
		c.ClientID, c.ClientName, c.SecretHash,
		storage.JoinScopes(c.RedirectURIs), storage.JoinScopes(c.Scopes), storage.JoinScopes(c.GrantTypes),
		c.RequirePKCE, c.OfflineAccess, toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

func (t *sqlTx) GetClient(ctx context.Context, clientID string) (storage.Client, error) {
	var row clientRow
	if err := t.get(ctx, &row, `SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID); err != nil {
		return storage.Client{}, err
	}
	return row.record(), nil
}

func (t *sqlTx) ListClients(ctx context.Context) ([]storage.Client, error) {
	var rows []clientRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT `+clientColumns+` FROM clients ORDER BY client_id`); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	out := make([]storage.Client, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

type consentRow struct {
	UserID    string `db:"user_id"`
	ClientID  string `db:"client_id"`
	Scopes    string `db:"scopes"`
	GrantedAt int64  `db:"granted_at"`
}

func (t *sqlTx) GetConsent(ctx context.Context, userID, clientID string) (storage.Consent, error) {
	var row consentRow
	err := t.get(ctx, &row, `SELECT user_id, client_id, scopes, granted_at FROM consents WHERE user_id = ? AND client_id = ?`, userID, clientID)
	if err != nil {
		return storage.Consent{}, err
	}
	return storage.Consent{
		UserID:    row.UserID,
		ClientID:  row.ClientID,
		Scopes:    storage.SplitScopes(row.Scopes),
		GrantedAt: fromMillis(row.GrantedAt),
	}, nil
}

func (t *sqlTx) SaveConsent(ctx context.Context, c storage.Consent) error {
	_, err := t.exec(ctx, `
		INSERT INTO consents (user_id, client_id, scopes, granted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			scopes = excluded.scopes,
			granted_at = excluded.granted_at`,
		c.UserID, c.ClientID, storage.JoinScopes(c.Scopes), toMillis(c.GrantedAt))
	if err != nil {
		return fmt.Errorf("save consent: %w", err)
	}
	return nil
}

type codeRow struct {
	CodeDigest          string `db:"code_digest"`
	ClientID            string `db:"client_id"`
	UserID              string `db:"user_id"`
	RedirectURI         string `db:"redirect_uri"`
	Scopes              string `db:"scopes"`
	Nonce               string `db:"nonce"`
	CodeChallenge       string `db:"code_challenge"`
	CodeChallengeMethod string `db:"code_challenge_method"`
	DPoPJKT             string `db:"dpop_jkt"`
	AuthTime            int64  `db:"auth_time"`
	IssuedAt            int64  `db:"issued_at"`
	ExpiresAt           int64  `db:"expires_at"`
	Consumed            bool   `db:"consumed"`
}

const codeColumns = `code_digest, client_id, user_id, redirect_uri, scopes, nonce, code_challenge, code_challenge_method, dpop_jkt, auth_time, issued_at, expires_at, consumed`

func (t *sqlTx) SaveAuthorizationCode(ctx context.Context, c storage.AuthorizationCode) error {
	return t.insert(ctx, "authorization code",
		`INSERT INTO authorization_codes (`+codeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CodeDigest, c.ClientID, c.UserID, c.RedirectURI, storage.JoinScopes(c.Scopes), c.Nonce,
		c.CodeChallenge, c.CodeChallengeMethod, c.DPoPJKT,
		toMillis(c.AuthTime), toMillis(c.IssuedAt), toMillis(c.ExpiresAt), c.Consumed)
}

func (t *sqlTx) ConsumeAuthorizationCode(ctx context.Context, digest string) (storage.AuthorizationCode, error) {
	won, err := t.swap(ctx, `UPDATE authorization_codes SET consumed = TRUE WHERE code_digest = ? AND consumed = FALSE`, digest)
	if err != nil {
		return storage.AuthorizationCode{}, fmt.Errorf("consume authorization code: %w", err)
	}
	var row codeRow
	if err := t.get(ctx, &row, `SELECT `+codeColumns+` FROM authorization_codes WHERE code_digest = ?`, digest); err != nil {
		return storage.AuthorizationCode{}, err
	}
	code := storage.AuthorizationCode{
		CodeDigest:          row.CodeDigest,
		ClientID:            row.ClientID,
		UserID:              row.UserID,
		RedirectURI:         row.RedirectURI,
		Scopes:              storage.SplitScopes(row.Scopes),
		Nonce:               row.Nonce,
		CodeChallenge:       row.CodeChallenge,
		CodeChallengeMethod: row.CodeChallengeMethod,
		DPoPJKT:             row.DPoPJKT,
		AuthTime:            fromMillis(row.AuthTime),
		IssuedAt:            fromMillis(row.IssuedAt),
		ExpiresAt:           fromMillis(row.ExpiresAt),
		Consumed:            row.Consumed,
	}
	if !won {
		return code, storage.ErrAlreadyConsumed
	}
	return code, nil
}

type accessRow struct {
	TokenDigest string `db:"token_digest"`
	JTI         string `db:"jti"`
	GrantID     string `db:"grant_id"`
	ClientID    string `db:"client_id"`
	UserID      string `db:"user_id"`
	Scopes      string `db:"scopes"`
	IssuedAt    int64  `db:"issued_at"`
	ExpiresAt   int64  `db:"expires_at"`
	CnfJKT      string `db:"cnf_jkt"`
	Revoked     bool   `db:"revoked"`
}

const accessColumns = `token_digest, jti, grant_id, client_id, user_id, scopes, issued_at, expires_at, cnf_jkt, revoked`

func (t *sqlTx) SaveAccessToken(ctx context.Context, a storage.AccessToken) error {
	return t.insert(ctx, "access token",
		`INSERT INTO access_tokens (`+accessColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TokenDigest, a.JTI, a.GrantID, a.ClientID, a.UserID, storage.JoinScopes(a.Scopes),
		toMillis(a.IssuedAt), toMillis(a.ExpiresAt), a.CnfJKT, a.Revoked)
}

func (t *sqlTx) GetAccessToken(ctx context.Context, digest string) (storage.AccessToken, error) {
	var row accessRow
	if err := t.get(ctx, &row, `SELECT `+accessColumns+` FROM access_tokens WHERE token_digest = ?`, digest); err != nil {
		return storage.AccessToken{}, err
	}
	return storage.AccessToken{
		TokenDigest: row.TokenDigest,
		JTI:         row.JTI,
		GrantID:     row.GrantID,
		ClientID:    row.ClientID,
		UserID:      row.UserID,
		Scopes:      storage.SplitScopes(row.Scopes),
		IssuedAt:    fromMillis(row.IssuedAt),
		ExpiresAt:   fromMillis(row.ExpiresAt),
		CnfJKT:      row.CnfJKT,
		Revoked:     row.Revoked,
	}, nil
}

func (t *sqlTx) RevokeAccessToken(ctx context.Context, digest string) error {
	if _, err := t.exec(ctx, `UPDATE access_tokens SET revoked = TRUE WHERE token_digest = ?`, digest); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

type refreshRow struct {
	TokenDigest  string `db:"token_digest"`
	GrantID      string `db:"grant_id"`
	ParentDigest string `db:"parent_digest"`
	Generation   int    `db:"generation"`
	ClientID     string `db:"client_id"`
	UserID       string `db:"user_id"`
	Scopes       string `db:"scopes"`
	Nonce        string `db:"nonce"`
	CnfJKT       string `db:"cnf_jkt"`
	AuthTime     int64  `db:"auth_time"`
	IssuedAt     int64  `db:"issued_at"`
	ExpiresAt    int64  `db:"expires_at"`
	Consumed     bool   `db:"consumed"`
	Revoked      bool   `db:"revoked"`
}

func (r refreshRow) record() storage.RefreshToken {
	return storage.RefreshToken{
		TokenDigest:  r.TokenDigest,
		GrantID:      r.GrantID,
		ParentDigest: r.ParentDigest,
		Generation:   r.Generation,
		ClientID:     r.ClientID,
		UserID:       r.UserID,
		Scopes:       storage.SplitScopes(r.Scopes),
		Nonce:        r.Nonce,
		CnfJKT:       r.CnfJKT,
		AuthTime:     fromMillis(r.AuthTime),
		IssuedAt:     fromMillis(r.IssuedAt),
		ExpiresAt:    fromMillis(r.ExpiresAt),
		Consumed:     r.Consumed,
		Revoked:      r.Revoked,
	}
}

const refreshColumns = `token_digest, grant_id, parent_digest, generation, client_id, user_id, scopes, nonce, cnf_jkt, auth_time, issued_at, expires_at, consumed, revoked`

func (t *sqlTx) SaveRefreshToken(ctx context.Context, r storage.RefreshToken) error {
	return t.insert(ctx, "refresh token",
		`INSERT INTO refresh_tokens (`+refreshColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TokenDigest, r.GrantID, r.ParentDigest, r.Generation, r.ClientID, r.UserID,
		storage.JoinScopes(r.Scopes), r.Nonce, r.CnfJKT,
		toMillis(r.AuthTime), toMillis(r.IssuedAt), toMillis(r.ExpiresAt), r.Consumed, r.Revoked)
}

func (t *sqlTx) GetRefreshToken(ctx context.Context, digest string) (storage.RefreshToken, error) {
	var row refreshRow
	if err := t.get(ctx, &row, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_digest = ?`, digest); err != nil {
		return storage.RefreshToken{}, err
	}
	return row.record(), nil
}

func (t *sqlTx) ConsumeRefreshToken(ctx context.Context, digest string) (storage.RefreshToken, error) {
	won, err := t.swap(ctx, `UPDATE refresh_tokens SET consumed = TRUE WHERE token_digest = ? AND consumed = FALSE`, digest)
	if err != nil {
		return storage.RefreshToken{}, fmt.Errorf("consume refresh token: %w", err)
	}
	rec, err := t.GetRefreshToken(ctx, digest)
	if err != nil {
		return storage.RefreshToken{}, err
	}
	if !won {
		return rec, storage.ErrAlreadyConsumed
	}
	return rec, nil
}

func (t *sqlTx) RevokeRefreshToken(ctx context.Context, digest string) error {
	if _, err := t.exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token_digest = ?`, digest); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (t *sqlTx) RevokeGrant(ctx context.Context, grantID string) error {
	return t.RevokeDescendants(ctx, grantID, -1)
}

func (t *sqlTx) RevokeDescendants(ctx context.Context, grantID string, generation int) error {
	if grantID == "" {
		return nil
	}
	if _, err := t.exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE grant_id = ? AND generation > ? AND revoked = FALSE`, grantID, generation); err != nil {
		return fmt.Errorf("revoke refresh chain: %w", err)
	}
	if _, err := t.exec(ctx, `UPDATE access_tokens SET revoked = TRUE WHERE grant_id = ? AND revoked = FALSE`, grantID); err != nil {
		return fmt.Errorf("revoke grant access tokens: %w", err)
	}
	return nil
}

type keyRow struct {
	KID        string `db:"kid"`
	Algorithm  string `db:"algorithm"`
	PrivatePEM string `db:"private_pem"`
	NotBefore  int64  `db:"not_before"`
	RotatedAt  int64  `db:"rotated_at"`
}

func (t *sqlTx) ListSigningKeys(ctx context.Context) ([]storage.SigningKey, error) {
	var rows []keyRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT kid, algorithm, private_pem, not_before, rotated_at FROM signing_keys ORDER BY not_before DESC`); err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	out := make([]storage.SigningKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.SigningKey{
			KID:        r.KID,
			Algorithm:  r.Algorithm,
			PrivatePEM: []byte(r.PrivatePEM),
			NotBefore:  fromMillis(r.NotBefore),
			RotatedAt:  fromMillis(r.RotatedAt),
		})
	}
	return out, nil
}

func (t *sqlTx) SaveSigningKey(ctx context.Context, k storage.SigningKey) error {
	_, err := t.exec(ctx, `
		INSERT INTO signing_keys (kid, algorithm, private_pem, not_before, rotated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kid) DO UPDATE SET rotated_at = excluded.rotated_at`,
		k.KID, k.Algorithm, string(k.PrivatePEM), toMillis(k.NotBefore), toMillis(k.RotatedAt))
	if err != nil {
		return fmt.Errorf("save signing key: %w", err)
	}
	return nil
}

func (t *sqlTx) DeleteSigningKey(ctx context.Context, kid string) error {
	if _, err := t.exec(ctx, `DELETE FROM signing_keys WHERE kid = ?`, kid); err != nil {
		return fmt.Errorf("delete signing key: %w", err)
	}
	return nil
}
