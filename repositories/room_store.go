package repositories

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"lanlobby/domain"
	"lanlobby/models"
)

// RoomStore is the durable membership store: rooms, their members, their
// chat history, and lookups into the network tables. It is the source of
// truth for room contents; live-connection tracking lives elsewhere.
type RoomStore interface {
	GetRoom(id uint) (*models.Room, error)
	GetRoomByName(name string) (*models.Room, error)
	ListRooms() ([]models.Room, error)
	CreateRoom(room *models.Room) error
	SaveRoom(room *models.Room) error
	DeleteRoom(id uint) error

	FindMember(roomID uint, username string) (*models.RoomPlayer, error)
	FindMembership(username string) (*models.RoomPlayer, error)
	MembersByRoom(roomID uint) ([]models.RoomPlayer, error)
	AddMember(member *models.RoomPlayer) error
	SaveMember(member *models.RoomPlayer) error
	RemoveMember(id uint) error

	GetNetworkConfig(id uint) (*models.NetworkConfig, error)

	AddMessage(msg *models.ChatMessage) error
	MessagesByRoom(roomID uint, limit int) ([]models.ChatMessage, error)
	DeleteMessages(roomID uint) error
}

type GormRoomStore struct {
	db *gorm.DB
}

func NewGormRoomStore(db *gorm.DB) *GormRoomStore {
	return &GormRoomStore{db: db}
}

func (s *GormRoomStore) GetRoom(id uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.First(&room, id).Error; err != nil {
		return nil, mapNotFound(err, "room")
	}
	return &room, nil
}

func (s *GormRoomStore) GetRoomByName(name string) (*models.Room, error) {
	var room models.Room
	if err := s.db.Where("name = ?", name).First(&room).Error; err != nil {
		return nil, mapNotFound(err, "room")
	}
	return &room, nil
}

func (s *GormRoomStore) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	if err := s.db.Order("id asc").Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *GormRoomStore) CreateRoom(room *models.Room) error {
	return s.db.Create(room).Error
}

func (s *GormRoomStore) SaveRoom(room *models.Room) error {
	return s.db.Save(room).Error
}

// DeleteRoom removes the room row along with its members; chat history is
// deleted separately so callers control ordering.
func (s *GormRoomStore) DeleteRoom(id uint) error {
	if err := s.db.Where("room_id = ?", id).Delete(&models.RoomPlayer{}).Error; err != nil {
		return fmt.Errorf("deleting members of room %d: %w", id, err)
	}
	return s.db.Delete(&models.Room{}, id).Error
}

func (s *GormRoomStore) FindMember(roomID uint, username string) (*models.RoomPlayer, error) {
	var member models.RoomPlayer
	err := s.db.Where("room_id = ? AND username = ?", roomID, username).First(&member).Error
	if err != nil {
		return nil, mapNotFound(err, "member")
	}
	return &member, nil
}

// FindMembership returns the user's membership in any room; a user belongs
// to at most one room at a time, stale rows included.
func (s *GormRoomStore) FindMembership(username string) (*models.RoomPlayer, error) {
	var member models.RoomPlayer
	err := s.db.Where("username = ?", username).First(&member).Error
	if err != nil {
		return nil, mapNotFound(err, "membership")
	}
	return &member, nil
}

// MembersByRoom returns members in insertion order, which is also the
// host-failover promotion order.
func (s *GormRoomStore) MembersByRoom(roomID uint) ([]models.RoomPlayer, error) {
	var members []models.RoomPlayer
	if err := s.db.Where("room_id = ?", roomID).Order("id asc").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

func (s *GormRoomStore) AddMember(member *models.RoomPlayer) error {
	return s.db.Create(member).Error
}

func (s *GormRoomStore) SaveMember(member *models.RoomPlayer) error {
	return s.db.Save(member).Error
}

func (s *GormRoomStore) RemoveMember(id uint) error {
	return s.db.Delete(&models.RoomPlayer{}, id).Error
}

func (s *GormRoomStore) GetNetworkConfig(id uint) (*models.NetworkConfig, error) {
	var cfg models.NetworkConfig
	if err := s.db.Preload("Peers").First(&cfg, id).Error; err != nil {
		return nil, mapNotFound(err, "network config")
	}
	return &cfg, nil
}

func (s *GormRoomStore) AddMessage(msg *models.ChatMessage) error {
	return s.db.Create(msg).Error
}

func (s *GormRoomStore) MessagesByRoom(roomID uint, limit int) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	q := s.db.Where("room_id = ?", roomID).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *GormRoomStore) DeleteMessages(roomID uint) error {
	return s.db.Where("room_id = ?", roomID).Delete(&models.ChatMessage{}).Error
}

func mapNotFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}
