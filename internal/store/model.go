package store

import "time"

// ReadingRecord is one row of bms_data.
type ReadingRecord struct {
	ID           uint         `gorm:"column:id;primaryKey;autoIncrement"`
	CreateDate   time.Time    `gorm:"column:create_date;index;not null"`
	Device       string       `gorm:"column:device;index"`
	TotalVoltage float64      `gorm:"column:total_voltage"`
	Current      float64      `gorm:"column:current"`
	SOCPercent   float64      `gorm:"column:soc_percent"`
	Cells        []CellRecord `gorm:"foreignKey:ReadingID;constraint:OnDelete:CASCADE"`
}

func (ReadingRecord) TableName() string { return "bms_data" }

// CellRecord is one cell voltage of a reading, in millivolts.
type CellRecord struct {
	ID         uint `gorm:"column:id;primaryKey;autoIncrement"`
	ReadingID  uint `gorm:"column:reading_id;index;not null"`
	Cell       int  `gorm:"column:cell;not null"`
	Millivolts int  `gorm:"column:millivolts;not null"`
}

func (CellRecord) TableName() string { return "bms_cell_voltages" }
