package repositories

import (
	"errors"

	"gorm.io/gorm"

	"lanlobby/domain"
	"lanlobby/models"
)

// FriendStore persists friendship requests and their state.
type FriendStore interface {
	Create(f *models.Friendship) error
	Get(id uint) (*models.Friendship, error)
	Between(userID, friendID uint) (*models.Friendship, error)
	Save(f *models.Friendship) error
	Delete(id uint) error
	ListForUser(userID uint, status string) ([]models.Friendship, error)
	PendingFor(userID uint) ([]models.Friendship, error)
}

type GormFriendStore struct {
	db *gorm.DB
}

func NewGormFriendStore(db *gorm.DB) *GormFriendStore {
	return &GormFriendStore{db: db}
}

func (s *GormFriendStore) Create(f *models.Friendship) error {
	return s.db.Create(f).Error
}

func (s *GormFriendStore) Get(id uint) (*models.Friendship, error) {
	var f models.Friendship
	if err := s.db.First(&f, id).Error; err != nil {
		return nil, mapNotFound(err, "friendship")
	}
	return &f, nil
}

// Between finds the friendship row in either direction between two users.
func (s *GormFriendStore) Between(userID, friendID uint) (*models.Friendship, error) {
	var f models.Friendship
	err := s.db.Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)",
		userID, friendID, friendID, userID).First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (s *GormFriendStore) Save(f *models.Friendship) error {
	return s.db.Save(f).Error
}

func (s *GormFriendStore) Delete(id uint) error {
	return s.db.Delete(&models.Friendship{}, id).Error
}

// ListForUser returns friendships involving the user, optionally filtered
// by status.
func (s *GormFriendStore) ListForUser(userID uint, status string) ([]models.Friendship, error) {
	var out []models.Friendship
	q := s.db.Where("user_id = ? OR friend_id = ?", userID, userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Order("id asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// PendingFor returns requests awaiting this user's response.
func (s *GormFriendStore) PendingFor(userID uint) ([]models.Friendship, error) {
	var out []models.Friendship
	err := s.db.Where("friend_id = ? AND status = ?", userID, models.FriendshipPending).
		Order("id asc").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
