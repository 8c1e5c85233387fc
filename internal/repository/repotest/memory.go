// Package repotest はテスト用のインメモリリポジトリを提供する。
// 一意制約（メールアドレス・(provider, subject_id)）はPostgreSQL実装と同じエラーで再現する。
package repotest

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/storeauth/internal/model"
	"github.com/hitoshi/storeauth/internal/repository"
)

// Store はAccountRepositoryとIdentityRepositoryのインメモリ実装。
type Store struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	links    map[string]*model.ExternalIdentityLink
	sentAt   map[string]time.Time

	// 以下のフィールドを設定すると対応する操作がそのエラーを返す。
	FindErr   error
	CreateErr error
	UpdateErr error
	DeleteErr error
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		accounts: make(map[string]*model.Account),
		links:    make(map[string]*model.ExternalIdentityLink),
		sentAt:   make(map[string]time.Time),
	}
}

// Count は保存されているアカウント数を返す。
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// Links は保存されている紐付け数を返す。
func (s *Store) Links() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Put はアカウントと紐付けを制約チェックなしで直接保存する。
func (s *Store) Put(account *model.Account, links ...*model.ExternalIdentityLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *account
	s.accounts[account.ID] = &copied
	for _, l := range links {
		cl := *l
		s.links[l.ID] = &cl
	}
}

// SetEmail はアカウントのメールアドレスを直接書き換える（外部での変更を再現する）。
func (s *Store) SetEmail(id, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.Email = email
	}
}

func (s *Store) FindByID(ctx context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	if a, ok := s.accounts[id]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	if a := s.findByEmailLocked(email); a != nil {
		copied := *a
		return &copied, nil
	}
	return nil, nil
}

func (s *Store) findByEmailLocked(email string) *model.Account {
	email = model.NormalizeEmail(email)
	for _, a := range s.accounts {
		if model.NormalizeEmail(a.Email) == email {
			return a
		}
	}
	return nil
}

func (s *Store) FindByEmailAndIdentity(ctx context.Context, email string, provider model.Provider, subjectID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	a := s.findByEmailLocked(email)
	if a == nil {
		return nil, nil
	}
	for _, l := range s.links {
		if l.AccountID == a.ID && l.Provider == provider && l.SubjectID == subjectID {
			copied := *a
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) CreateWithIdentity(ctx context.Context, account *model.Account, link *model.ExternalIdentityLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if s.findByEmailLocked(account.Email) != nil {
		return repository.ErrDuplicateEmail
	}
	if link != nil {
		for _, l := range s.links {
			if l.Provider == link.Provider && l.SubjectID == link.SubjectID {
				return repository.ErrDuplicateIdentity
			}
		}
		cl := *link
		s.links[link.ID] = &cl
	}
	copied := *account
	s.accounts[account.ID] = &copied
	return nil
}

func (s *Store) update(id string, fn func(a *model.Account) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	a, ok := s.accounts[id]
	if !ok || !fn(a) {
		return repository.ErrNotFound
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdatePhoneNumber(ctx context.Context, id, phoneNumber string) error {
	return s.update(id, func(a *model.Account) bool {
		a.PhoneNumber = phoneNumber
		a.PhoneNumberConfirmed = false
		a.VerificationCode = ""
		delete(s.sentAt, id)
		return true
	})
}

func (s *Store) SetVerificationCode(ctx context.Context, id, code string, sentAt time.Time) error {
	return s.update(id, func(a *model.Account) bool {
		a.VerificationCode = code
		s.sentAt[id] = sentAt
		return true
	})
}

func (s *Store) ConfirmPhoneNumber(ctx context.Context, id, expectedCode string) error {
	return s.update(id, func(a *model.Account) bool {
		if a.VerificationCode == "" || a.VerificationCode != expectedCode {
			return false
		}
		a.PhoneNumberConfirmed = true
		a.VerificationCode = ""
		delete(s.sentAt, id)
		return true
	})
}

func (s *Store) ClearVerificationCode(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return false, s.UpdateErr
	}
	a, ok := s.accounts[id]
	if !ok || a.VerificationCode == "" {
		return false, nil
	}
	a.VerificationCode = ""
	delete(s.sentAt, id)
	return true, nil
}

func (s *Store) ClearStaleVerificationCodes(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return 0, s.UpdateErr
	}
	var n int64
	for id, sent := range s.sentAt {
		if sent.Before(before) {
			if a, ok := s.accounts[id]; ok && a.VerificationCode != "" {
				a.VerificationCode = ""
				n++
			}
			delete(s.sentAt, id)
		}
	}
	return n, nil
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	if _, ok := s.accounts[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.accounts, id)
	delete(s.sentAt, id)
	for lid, l := range s.links {
		if l.AccountID == id {
			delete(s.links, lid)
		}
	}
	return nil
}

func (s *Store) FindByProviderAndSubjectID(ctx context.Context, provider model.Provider, subjectID string) (*model.ExternalIdentityLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.Provider == provider && l.SubjectID == subjectID {
			copied := *l
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) ListByAccountID(ctx context.Context, accountID string) ([]*model.ExternalIdentityLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var links []*model.ExternalIdentityLink
	for _, l := range s.links {
		if l.AccountID == accountID {
			copied := *l
			links = append(links, &copied)
		}
	}
	return links, nil
}

var (
	_ repository.AccountRepository  = (*Store)(nil)
	_ repository.IdentityRepository = (*Store)(nil)
)
