package repositories

import (
	"errors"

	"ovinet_backend/internal/models"

	"gorm.io/gorm"
)

var (
	ErrPackageNotFound = errors.New("data package not found")
)

type PackageRepository interface {
	Create(pkg *models.DataPackage) error
	FindByID(id string) (*models.DataPackage, error)
	FindActive() ([]models.DataPackage, error)
}

type PackageRepositoryImpl struct {
	db *gorm.DB
}

func NewPackageRepository(db *gorm.DB) PackageRepository {
	return &PackageRepositoryImpl{db: db}
}

func (r *PackageRepositoryImpl) Create(pkg *models.DataPackage) error {
	return r.db.Create(pkg).Error
}

func (r *PackageRepositoryImpl) FindByID(id string) (*models.DataPackage, error) {
	var pkg models.DataPackage
	err := r.db.First(&pkg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPackageNotFound
		}
		return nil, err
	}
	return &pkg, nil
}

func (r *PackageRepositoryImpl) FindActive() ([]models.DataPackage, error) {
	var packages []models.DataPackage
	err := r.db.Where("is_active = ?", true).
		Order("price ASC").
		Find(&packages).Error
	return packages, err
}
