package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/storeauth/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用した外部IdP紐付けリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByProviderAndSubjectID はproviderとsubject_idで紐付けを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderAndSubjectID(ctx context.Context, provider model.Provider, subjectID string) (*model.ExternalIdentityLink, error) {
	link := &model.ExternalIdentityLink{}
	var p string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, provider, subject_id, created_at
		 FROM external_identity_links
		 WHERE provider = $1 AND subject_id = $2`,
		string(provider), subjectID,
	).Scan(&link.ID, &link.AccountID, &p, &link.SubjectID, &link.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find external identity link: %w", err)
	}

	link.Provider = model.Provider(p)
	return link, nil
}

// ListByAccountID はアカウントの紐付け一覧を作成日時順に返す。
func (r *PostgresIdentityRepo) ListByAccountID(ctx context.Context, accountID string) ([]*model.ExternalIdentityLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, provider, subject_id, created_at
		 FROM external_identity_links
		 WHERE account_id = $1
		 ORDER BY created_at`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list external identity links: %w", err)
	}
	defer rows.Close()

	var links []*model.ExternalIdentityLink
	for rows.Next() {
		link := &model.ExternalIdentityLink{}
		var p string
		if err := rows.Scan(&link.ID, &link.AccountID, &p, &link.SubjectID, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan external identity link: %w", err)
		}
		link.Provider = model.Provider(p)
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate external identity links: %w", err)
	}

	return links, nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
