package models

import "time"

// BucketKey identifies one of the 168 (hour-of-day, day-of-week) buckets.
// DayOfWeek follows time.Weekday, so 0 is Sunday.
type BucketKey struct {
	Hour      int `json:"hour"`
	DayOfWeek int `json:"day_of_week"`
}

// BucketsPerWeek is the number of baseline buckets per resource and metric.
const BucketsPerWeek = 24 * 7

// BucketFor returns the bucket of t in the given location.
func BucketFor(t time.Time, loc *time.Location) BucketKey {
	lt := t.In(loc)
	return BucketKey{Hour: lt.Hour(), DayOfWeek: int(lt.Weekday())}
}

// Baseline is the learned statistics for one (resource, metric, bucket).
type Baseline struct {
	ResourceID  int64     `gorm:"primaryKey;autoIncrement:false" json:"resource_id"`
	Metric      string    `gorm:"primaryKey" json:"metric"`
	Hour        int       `gorm:"primaryKey;autoIncrement:false" json:"hour"`
	DayOfWeek   int       `gorm:"primaryKey;autoIncrement:false" json:"day_of_week"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	SampleCount int       `json:"sample_count"`
	Confidence  float64   `json:"confidence"`
	ComputedAt  time.Time `json:"computed_at"`
}

func (Baseline) TableName() string { return "baselines" }

// Bucket returns the bucket key of the row.
func (b *Baseline) Bucket() BucketKey {
	return BucketKey{Hour: b.Hour, DayOfWeek: b.DayOfWeek}
}

// BaselineKey identifies a baseline row.
type BaselineKey struct {
	ResourceID int64
	Metric     string
	Bucket     BucketKey
}

func (b *Baseline) Key() BaselineKey {
	return BaselineKey{ResourceID: b.ResourceID, Metric: b.Metric, Bucket: b.Bucket()}
}
