package models

// DataPackage is a catalogue entry. The coordinator only reads it: the
// package supplies the bandwidth limits and connection allowance a new
// subscription snapshots at purchase.
type DataPackage struct {
	BaseModel
	Name               string  `gorm:"not null;uniqueIndex"`
	DataLimitMB        int64   `gorm:"not null"`
	DurationDays       int     `gorm:"not null"`
	Price              float64 `gorm:"not null"`
	DownloadMbps       int     `gorm:"default:0"` // 0 means use the configured default
	UploadMbps         int     `gorm:"default:0"`
	AllowedConnections int     `gorm:"default:1"`
	IsActive           bool    `gorm:"default:true"`
}
