// Package agebucket labels an observation by how old the item was when it
// was observed.
package agebucket

import "time"

// DefaultTolerance is the relative window around each bucket duration.
const DefaultTolerance = 0.05

// Bucket is a named target age.
type Bucket struct {
	Label    string
	Duration time.Duration
}

const day = 24 * time.Hour

// DefaultBuckets lists the standard ages in ascending order.
var DefaultBuckets = []Bucket{
	{Label: "1_day", Duration: 1 * day},
	{Label: "3_day", Duration: 3 * day},
	{Label: "7_day", Duration: 7 * day},
	{Label: "30_day", Duration: 30 * day},
	{Label: "90_day", Duration: 90 * day},
	{Label: "360_day", Duration: 360 * day},
}

// Classifier matches ages against a fixed bucket list.
type Classifier struct {
	buckets   []Bucket
	tolerance float64
}

// New returns a classifier over buckets. A non-positive tolerance falls back
// to DefaultTolerance; nil buckets fall back to DefaultBuckets.
func New(buckets []Bucket, tolerance float64) *Classifier {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	cp := make([]Bucket, len(buckets))
	copy(cp, buckets)
	return &Classifier{buckets: cp, tolerance: tolerance}
}

// Default returns the classifier used by the crawler.
func Default() *Classifier {
	return New(DefaultBuckets, DefaultTolerance)
}

// Classify returns the label of the bucket whose duration is within the
// tolerance of observed-published, both in unix seconds. When several
// buckets qualify the last one in list order wins.
func (c *Classifier) Classify(published, observed int64) (string, bool) {
	diff := float64(observed - published)
	label, ok := "", false
	for _, b := range c.buckets {
		d := b.Duration.Seconds()
		lo, hi := d-c.tolerance*d, d+c.tolerance*d
		if diff >= lo && diff <= hi {
			label, ok = b.Label, true
		}
	}
	return label, ok
}

// Labels returns bucket labels in list order.
func (c *Classifier) Labels() []string {
	out := make([]string, len(c.buckets))
	for i, b := range c.buckets {
		out[i] = b.Label
	}
	return out
}
