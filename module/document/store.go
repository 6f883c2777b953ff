package document

import (
	"context"
	stderrors "errors"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"collabhub/tools/errs"
)

// Store implements Gateway on a relational database. SQLite serializes
// writes per database, which covers the per-document write ordering the
// worker relies on.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and migrates the
// schema. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errs.ErrFatal.WrapMsg("open database", "path", path, "err", err)
	}
	return NewStore(db)
}

// NewStore wraps an existing gorm handle and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Document{}, &Collaborator{}, &EditHistory{}); err != nil {
		return nil, errs.ErrFatal.WrapMsg("migrate schema", "err", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for seeding in tests and tooling.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) GetVisible(ctx context.Context, documentID, principalID string) (*Document, error) {
	if err := s.CanEdit(ctx, principalID, documentID); err != nil {
		return nil, err
	}
	var doc Document
	if err := s.db.WithContext(ctx).First(&doc, "id = ?", documentID).Error; err != nil {
		return nil, mapDBError(err, documentID)
	}
	return &doc, nil
}

func (s *Store) Update(ctx context.Context, documentID, principalID string, title, body *string) (*Document, error) {
	if err := s.CanEdit(ctx, principalID, documentID); err != nil {
		return nil, err
	}
	var doc Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&doc, "id = ?", documentID).Error; err != nil {
			return mapDBError(err, documentID)
		}
		updates := map[string]any{}
		if title != nil {
			updates["title"] = *title
		}
		if body != nil {
			updates["body"] = *body
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&doc).Updates(updates).Error; err != nil {
			return mapDBError(err, documentID)
		}
		return tx.First(&doc, "id = ?", documentID).Error
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) AppendHistory(ctx context.Context, rec EditRecord) error {
	row := EditHistory{
		DocumentID:  rec.DocumentID,
		PrincipalID: rec.PrincipalID,
		Operation:   rec.Operation,
		Version:     rec.Version,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errs.ErrTransient.WrapMsg("append history", "doc", rec.DocumentID, "err", err)
	}
	return nil
}

// CanEdit allows the owner and any collaborator.
func (s *Store) CanEdit(ctx context.Context, principalID, documentID string) error {
	var doc Document
	if err := s.db.WithContext(ctx).Select("id", "owner_id").First(&doc, "id = ?", documentID).Error; err != nil {
		return mapDBError(err, documentID)
	}
	if doc.OwnerID == principalID {
		return nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&Collaborator{}).
		Where("document_id = ? AND principal_id = ?", documentID, principalID).
		Count(&n).Error
	if err != nil {
		return errs.ErrTransient.WrapMsg("collaborator lookup", "doc", documentID, "err", err)
	}
	if n == 0 {
		return errs.ErrAccessDenied.WrapMsg("not a collaborator", "doc", documentID, "principal", principalID)
	}
	return nil
}

func mapDBError(err error, documentID string) error {
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return errs.ErrNotFound.WrapMsg("document", "id", documentID)
	}
	return errs.ErrTransient.WrapMsg("database", "doc", documentID, "err", err)
}
